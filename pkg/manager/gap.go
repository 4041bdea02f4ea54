package manager

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/stack"
)

func (m *Manager) newGAPSubscriber() *Subscriber {
	return NewSubscriber("ble-manager", CategoryGAP).
		MustOn(stack.EventUndefined, m.onUndefined).
		MustOn(stack.EventScanInfo, Typed(m.onScanInfo)).
		MustOn(stack.EventScanReport, Typed(m.onScanReport)).
		MustOn(stack.EventConnected, Typed(m.onConnected)).
		MustOn(stack.EventDisconnected, Typed(m.onDisconnected)).
		MustOn(stack.EventConnParamUpdateDone, Typed(m.onConnParamUpdateDone)).
		MustOn(stack.EventConnParamUpdateRequest, Typed(m.onConnParamUpdateRequest)).
		MustOn(stack.EventPairDone, Typed(m.onPairDone)).
		MustOn(stack.EventPairRequest, Typed(m.onPairRequest)).
		MustOn(stack.EventSlaveSecRequest, Typed(m.onSlaveSecRequest)).
		MustOn(stack.EventPairKeyRequest, Typed(m.onPairKeyRequest)).
		MustOn(stack.EventEncryptionRequest, Typed(m.onEncryptionRequest)).
		MustOn(stack.EventEncryptionStatusChanged, Typed(m.onEncryptionStatusChanged)).
		MustOn(stack.EventResolvRandAddrStatus, Typed(m.onResolvRandAddrStatus))
}

func (m *Manager) newGATTServerSubscriber() *Subscriber {
	return NewSubscriber("ble-manager", CategoryGATTServer).
		MustOn(stack.EventMTUChangedIndication, Typed(m.onMTUChanged)).
		MustOn(stack.EventMTUChangedCmdComplete, Typed(m.onCmdComplete)).
		MustOn(stack.EventCharacteristicWriteCmdComplete, Typed(m.onCmdComplete))
}

func (m *Manager) onUndefined(ev stack.Event) error {
	m.logger.WithField("event", ev.Code()).Debug("Undefined event received")
	return nil
}

func (m *Manager) onScanInfo(ev *stack.ScanInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.scanning {
		return nil
	}
	key := ev.Addr.String()
	if _, seen := m.scan.Get(key); !seen && m.scan.Len() >= m.cfg.MaxScanDevices {
		return nil
	}

	a, err := stack.ParseAdvertisement(ev)
	if err != nil {
		m.logger.WithField("peer", ev.Addr).WithError(err).Warn("Dropping advertising report")
		return err
	}
	m.scan.Set(key, a)
	m.logger.WithFields(logrus.Fields{
		"peer":     ev.Addr,
		"name":     a.LocalName(),
		"rssi":     ev.RSSI,
		"services": len(a.Services()),
	}).Debug("Advertising report")

	if m.scan.Len() < m.cfg.MaxScanDevices {
		return nil
	}

	m.scanning = false
	if err := m.stack.ScanStop(); err != nil {
		m.logger.WithError(err).Error("Failed to stop scanning")
	}
	m.logger.WithField("limit", m.cfg.MaxScanDevices).Warn("Scan list full, scanning stopped")
	return &CapacityError{Resource: "scan list", Limit: m.cfg.MaxScanDevices}
}

func (m *Manager) onScanReport(ev *stack.ScanReport) error {
	m.mu.Lock()
	m.scanning = false
	found := m.scan.Len()
	m.mu.Unlock()

	if ev.Status != stack.StatusSuccess {
		m.logger.WithField("status", ev.Status).Error("Scanning failed")
		return fmt.Errorf("scan report: %s", ev.Status)
	}
	m.logger.WithField("devices", found).Info("Scanning completed")
	return nil
}

func (m *Manager) onConnected(ev *stack.Connected) error {
	log := m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "peer": ev.PeerAddr})
	if ev.Status != stack.StatusSuccess {
		log.WithField("status", ev.Status).Error("Connection failed")
		return nil
	}
	log.Info("Connected")

	m.mu.Lock()
	defer m.mu.Unlock()

	outbound := !m.target.IsZero() && m.target.Equal(ev.PeerAddr)

	if ev.PeerAddr.IsResolvable() && !outbound {
		if m.pending.awaiting() {
			if err := m.pending.park(ev); err != nil {
				log.WithError(err).Error("Dropping connection awaiting address resolution")
				m.disconnect(ev.Handle, stack.ReasonTerminatedByUser)
				return err
			}
			log.Debug("Connection parked until the current resolution completes")
			return nil
		}
		return m.resolve(*ev)
	}

	m.target = stack.Address{}

	rec, ref, reused, err := m.table.FindOrAllocate(ev.PeerAddr, ev.Handle)
	if err != nil {
		log.WithError(err).Warn("Connection table full, disconnecting")
		m.disconnect(ev.Handle, stack.ReasonTerminatedByUser)
		return err
	}

	if rec.State.Live() {
		log.WithField("state", rec.State).Warn("Peer already connected, handle updated")
		return nil
	}
	if err := m.transition(rec, StateConnected); err != nil {
		return err
	}

	if outbound {
		rec.Role = stack.RoleCentral
	} else {
		rec.Role = stack.RolePeripheral
	}
	log.WithFields(logrus.Fields{"role": rec.Role, "ref": ref, "reconnect": reused}).Debug("Connection recorded")

	if rec.Role == stack.RolePeripheral {
		m.requestSecurity(rec)
	}
	return nil
}

// resolve submits every known IRK to the stack and waits for the resolution status.
// Caller holds mu.
func (m *Manager) resolve(conn stack.Connected) error {
	irks := m.table.IRKs()
	if err := m.stack.ResolveRandomAddress(conn.PeerAddr, irks); err != nil {
		m.logger.WithField("peer", conn.PeerAddr).WithError(err).Error("Resolving random address failed")
		return &stack.CommandError{Command: "resolve random address", Handle: conn.Handle, Err: err}
	}
	m.pending.begin(conn)
	m.logger.WithFields(logrus.Fields{"peer": conn.PeerAddr, "irks": len(irks)}).Debug("Resolving random address")
	return nil
}

func (m *Manager) onResolvRandAddrStatus(ev *stack.ResolvRandAddrStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.pending.awaiting() {
		m.logger.WithField("peer", ev.Addr).Debug("Resolution status without a pending request")
		return nil
	}
	conn, deferred := m.pending.finish()
	log := m.logger.WithFields(logrus.Fields{"handle": conn.Handle, "peer": conn.PeerAddr})

	var rec *Record
	if ev.Status == stack.StatusSuccess {
		if found, ref, ok := m.table.FindByIRK(ev.IRK); ok && !found.State.Live() {
			rec, _ = m.table.Adopt(ref, conn.PeerAddr, conn.Handle)
			if err := m.transition(rec, StateConnected); err != nil {
				return err
			}
			log.WithField("ref", ref).Info("Bonded peer reconnected")
		}
	}

	if rec == nil {
		var err error
		rec, _, err = m.table.Allocate(conn.PeerAddr, conn.Handle)
		if err != nil {
			log.WithError(err).Warn("Connection table full, disconnecting")
			m.disconnect(conn.Handle, stack.ReasonTerminatedByUser)
			if !encryptionFor(deferred, conn.Handle) {
				m.replay(deferred)
			}
			return err
		}
		if err := m.transition(rec, StateConnected); err != nil {
			return err
		}
		log.Debug("Unknown resolvable peer recorded")
	}
	rec.Role = stack.RolePeripheral

	// An encryption request from the same peer replaces the security request.
	if !encryptionFor(deferred, conn.Handle) {
		m.requestSecurity(rec)
	}
	m.replay(deferred)
	return nil
}

func encryptionFor(ev stack.Event, h stack.Handle) bool {
	req, ok := ev.(*stack.EncryptionRequest)
	return ok && req.Handle == h
}

// replay feeds a parked event back into the state machine. Caller holds mu.
func (m *Manager) replay(ev stack.Event) {
	switch e := ev.(type) {
	case nil:
	case *stack.EncryptionRequest:
		m.logger.WithField("handle", e.Handle).Debug("Replaying deferred encryption request")
		_ = m.handleEncryptionRequest(e)
	case *stack.Connected:
		m.logger.WithField("handle", e.Handle).Debug("Replaying deferred connection")
		_ = m.resolve(*e)
	default:
		m.logger.WithField("event", ev.Code()).Warn("Dropping unexpected deferred event")
	}
}

func (m *Manager) onDisconnected(ev *stack.Disconnected) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "reason": ev.Reason})

	if m.pending.awaiting() && m.pending.conn.Handle == ev.Handle {
		_, deferred := m.pending.finish()
		log.Debug("Disconnected while resolving its address")
		if !encryptionFor(deferred, ev.Handle) {
			m.replay(deferred)
		}
		return nil
	}

	prev, err := m.table.Release(ev.Handle, ev.Reason)
	if err != nil {
		log.Debug("Disconnected link was not tracked")
		return nil
	}
	log.WithField("state", prev).Info("Disconnected")
	return nil
}

func (m *Manager) onConnParamUpdateRequest(ev *stack.ConnParamUpdateRequest) error {
	m.logger.WithFields(logrus.Fields{
		"handle":       ev.Handle,
		"interval_min": ev.IntervalMin,
		"interval_max": ev.IntervalMax,
		"latency":      ev.Latency,
		"timeout":      ev.SupervisionTimeout,
	}).Info("Connection parameter update requested")

	if err := m.stack.ConnParamUpdateReply(ev.Handle, true, 0, 0); err != nil {
		return &stack.CommandError{Command: "connection parameter update reply", Handle: ev.Handle, Err: err}
	}
	return nil
}

func (m *Manager) onConnParamUpdateDone(ev *stack.ConnParamUpdateDone) error {
	log := m.logger.WithField("handle", ev.Handle)
	if ev.Status != stack.StatusSuccess {
		log.WithField("status", ev.Status).Error("Connection parameter update failed")
		return nil
	}
	log.WithFields(logrus.Fields{
		"interval": ev.Interval,
		"latency":  ev.Latency,
		"timeout":  ev.SupervisionTimeout,
	}).Info("Connection parameters updated")
	return nil
}

func (m *Manager) onMTUChanged(ev *stack.MTUChanged) error {
	m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "mtu": ev.MTU}).Debug("MTU changed")
	return nil
}

func (m *Manager) onCmdComplete(ev *stack.CmdComplete) error {
	log := m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "event": ev.Kind})
	if ev.Status != stack.StatusSuccess {
		log.WithField("status", ev.Status).Error("Command failed")
		return fmt.Errorf("%s: %s", ev.Kind, ev.Status)
	}
	log.Debug("Command completed")
	return nil
}
