package manager

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/stack"
)

// requestSecurity asks the central to secure a link where we are peripheral. With pairing
// disabled the link is reported as paired straight away and a bond on file is kept.
// Caller holds mu.
func (m *Manager) requestSecurity(rec *Record) {
	log := m.logger.WithField("handle", rec.Handle)

	if !m.cfg.Pairing.Enabled {
		if err := m.transition(rec, StatePaired); err != nil {
			return
		}
		if !rec.Bond.Valid() {
			rec.Bond = BondInfo{Status: stack.StatusSuccess, Auth: stack.AuthNoMITMNoBond}
		}
		m.emit(&stack.PairDone{Handle: rec.Handle, Status: stack.StatusSuccess, Auth: rec.Bond.Auth})
		log.Info("Pairing disabled, link reported as paired")
		return
	}

	if err := m.stack.SendSlaveSecurityRequest(rec.Handle, m.cfg.Pairing.MITM, m.cfg.Pairing.Bond); err != nil {
		log.WithError(err).Error("Slave security request failed")
		return
	}
	log.Debug("Slave security request sent")
}

func (m *Manager) onSlaveSecRequest(ev *stack.SlaveSecRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithField("handle", ev.Handle)
	rec, _, ok := m.table.lookup(ev.Handle)
	if !ok || rec.State != StateConnected {
		log.Debug("Security request ignored, link not in connected state")
		return nil
	}
	if err := m.transition(rec, StateEncrypting); err != nil {
		return err
	}

	if rec.Bond.Auth.Bonded() && ev.Bond {
		if err := m.stack.EncryptionStart(ev.Handle, rec.Bond.PeerLTK, rec.Bond.Auth); err != nil {
			log.WithError(err).Error("Encryption not started")
			return &stack.CommandError{Command: "encryption start", Handle: ev.Handle, Err: err}
		}
		log.Debug("Encrypting with stored bond")
		return nil
	}

	if err := m.transition(rec, StateConnected); err != nil {
		return err
	}
	auth, _ := m.cfg.Pairing.Auth()
	return m.startPairing(rec, stack.PairFeatures{
		DesiredAuth:  auth,
		Bond:         ev.Bond,
		MITM:         true,
		IOCapability: stack.IOKeyboardDisplay,
	})
}

func (m *Manager) onPairRequest(ev *stack.PairRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, _, ok := m.table.lookup(ev.Handle)
	if !ok || rec.State != StateConnected {
		m.logger.WithField("handle", ev.Handle).Debug("Pair request ignored, link not in connected state")
		return nil
	}

	auth, _ := m.cfg.Pairing.Auth()
	return m.startPairing(rec, stack.PairFeatures{
		DesiredAuth:  auth,
		Bond:         m.cfg.Pairing.Bond,
		MITM:         m.cfg.Pairing.MITM,
		IOCapability: m.cfg.Pairing.IO(),
		OOB:          m.cfg.Pairing.OOB,
	})
}

// startPairing moves rec to pairing and hands the local key to the stack. A rejected
// request is retried once without bonding or MITM protection. Caller holds mu.
func (m *Manager) startPairing(rec *Record, f stack.PairFeatures) error {
	log := m.logger.WithFields(logrus.Fields{"handle": rec.Handle, "peer": rec.PeerAddr})

	if err := m.transition(rec, StatePairing); err != nil {
		return err
	}

	f.InitiatorKeys = stack.KeyDistEnc
	f.ResponderKeys = stack.KeyDistEnc
	if rec.PeerAddr.IsResolvable() {
		f.InitiatorKeys |= stack.KeyDistID
		f.ResponderKeys |= stack.KeyDistID
	}
	f.MinKeySize = m.cfg.Pairing.KeySize
	f.MaxKeySize = m.cfg.Pairing.KeySize

	if !rec.Bond.Valid() {
		ltk, err := m.keys.GenerateLTK(rec.PeerAddr, m.cfg.Pairing.KeySize)
		if err != nil {
			log.WithError(err).Error("Generating local key failed")
			m.pairingFailed(rec)
			return err
		}
		rec.LocalLTK = ltk
		log.WithField("key_size", ltk.KeySize).Debug("Generated local long-term key")
	}

	err := m.stack.Authenticate(rec.Handle, f, rec.LocalLTK)
	if err == nil {
		log.WithFields(logrus.Fields{"bond": f.Bond, "mitm": f.MITM}).Debug("Pairing started")
		return nil
	}

	log.WithError(err).Warn("Authentication rejected, retrying without bonding and MITM protection")
	f.Bond = false
	f.MITM = false
	if err = m.stack.Authenticate(rec.Handle, f, rec.LocalLTK); err == nil {
		return nil
	}

	log.WithError(err).Error("Authentication failed")
	m.pairingFailed(rec)
	return &stack.CommandError{Command: "authenticate", Handle: rec.Handle, Err: err}
}

// pairingFailed marks rec as failed and drops the link when we are peripheral. Caller holds mu.
func (m *Manager) pairingFailed(rec *Record) {
	if err := m.transition(rec, StatePairingFailed); err != nil {
		return
	}
	if rec.Role == stack.RolePeripheral {
		m.disconnect(rec.Handle, stack.ReasonTerminatedByUser)
	}
}

// onPairKeyRequest runs without holding mu: passkey entry may wait on the user.
func (m *Manager) onPairKeyRequest(ev *stack.PairKeyRequest) error {
	log := m.logger.WithField("handle", ev.Handle)

	if ev.Type == stack.PairKeyOOB {
		log.Warn("Out-of-band pairing is not supported")
		return nil
	}

	passkey := m.cfg.Pairing.Passkey
	if ev.PasskeyRole == stack.PasskeyEntry {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Pairing.PasskeyTimeout)
		defer cancel()

		entered, err := m.passkey.EnterPasskey(ctx, ev.Handle)
		if err == nil {
			err = validatePasskey(entered)
		}
		if err != nil {
			log.WithError(err).Error("Passkey entry failed, disconnecting")
			m.disconnect(ev.Handle, stack.ReasonTerminatedByUser)
			return err
		}
		passkey = entered
		log.Info("Passkey entered")
	} else {
		log.WithField("passkey", passkey).Info("Enter this passkey on the peer device")
	}

	if err := m.stack.PairKeyReply(ev.Handle, stack.PairKeyPasskey, []byte(passkey)); err != nil {
		log.WithError(err).Error("Pair key reply failed")
		return &stack.CommandError{Command: "pair key reply", Handle: ev.Handle, Err: err}
	}
	return nil
}

func validatePasskey(s string) error {
	if len(s) != 6 {
		return fmt.Errorf("passkey must be 6 digits, got %d characters", len(s))
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("passkey must be 6 digits")
		}
	}
	return nil
}

func (m *Manager) onPairDone(ev *stack.PairDone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "status": ev.Status})
	rec, _, ok := m.table.lookup(ev.Handle)
	pairing := ok && rec.State == StatePairing

	if ev.Status != stack.StatusSuccess {
		log.Error("Pairing failed")
		if pairing {
			m.pairingFailed(rec)
		} else if ok && rec.Role == stack.RolePeripheral {
			m.disconnect(ev.Handle, stack.ReasonTerminatedByUser)
		}
		return nil
	}

	if !pairing {
		log.Error("No pairing link to store the pairing information")
		return fmt.Errorf("pair done on handle %d: %w", ev.Handle, ErrNotFound)
	}
	if err := m.transition(rec, StatePaired); err != nil {
		return err
	}
	rec.Bond = BondInfo{
		Status:   ev.Status,
		Auth:     ev.Auth,
		PeerLTK:  ev.PeerLTK,
		PeerCSRK: ev.PeerCSRK,
		PeerIRK:  ev.PeerIRK,
	}
	log.WithField("auth", ev.Auth).Info("Pairing completed")

	if ev.Auth.Bonded() {
		if err := m.storeBond(rec); err != nil {
			log.WithError(err).Error("Storing bond failed")
		}
	}
	return nil
}

func (m *Manager) onEncryptionRequest(ev *stack.EncryptionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending.awaiting() {
		if err := m.pending.park(ev); err != nil {
			log := m.logger.WithField("handle", ev.Handle)
			log.WithError(err).Error("Dropping encryption request")
			if rerr := m.stack.EncryptionRequestReply(ev.Handle, stack.AuthNoMITMNoBond, false, stack.LTK{}); rerr != nil {
				log.WithError(rerr).Error("Encryption request reply failed")
			}
			m.disconnect(ev.Handle, stack.ReasonAuthFailure)
			return err
		}
		m.logger.WithField("handle", ev.Handle).Debug("Encryption request deferred until address resolution completes")
		return nil
	}
	return m.handleEncryptionRequest(ev)
}

// handleEncryptionRequest answers the peer with the local key when EDIV and Rand select it,
// and drops the link otherwise. Caller holds mu.
func (m *Manager) handleEncryptionRequest(ev *stack.EncryptionRequest) error {
	log := m.logger.WithField("handle", ev.Handle)

	rec, _, ok := m.table.lookup(ev.Handle)
	keyFound := false
	auth := stack.AuthNoMITMNoBond
	if ok {
		if rec.State != StateEncrypting {
			if err := m.transition(rec, StateEncrypting); err != nil {
				return err
			}
		}
		auth = rec.Bond.Auth
		keyFound = rec.LocalLTK.KeySize != 0 && rec.LocalLTK.Matches(ev.EDiv, ev.Rand)
	}

	if !keyFound {
		log.Warn("Pairing information for the peer is not available; remove the bond on the peer and pair again")
		if err := m.stack.EncryptionRequestReply(ev.Handle, auth, false, stack.LTK{}); err != nil {
			log.WithError(err).Error("Encryption request reply failed")
		}
		m.disconnect(ev.Handle, stack.ReasonAuthFailure)
		return fmt.Errorf("encryption request on handle %d: %w", ev.Handle, ErrKeyNotFound)
	}

	if err := m.stack.EncryptionRequestReply(ev.Handle, auth, true, rec.LocalLTK); err != nil {
		log.WithError(err).Error("Encryption request reply failed")
		return &stack.CommandError{Command: "encryption request reply", Handle: ev.Handle, Err: err}
	}
	log.Debug("Encryption request answered")
	return nil
}

func (m *Manager) onEncryptionStatusChanged(ev *stack.EncryptionStatusChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"handle": ev.Handle, "status": ev.Status})
	rec, _, ok := m.table.lookup(ev.Handle)
	found := ok && rec.State == StateEncrypting

	if ev.Status != stack.StatusSuccess {
		if found {
			rec.Bond.Status = ev.Status
			_ = m.transition(rec, StateEncryptionFailed)
		}
		log.Error("Encryption failed")
		return fmt.Errorf("encryption on handle %d: %s", ev.Handle, ev.Status)
	}

	if !found {
		log.Error("No encrypting link for the encryption status")
		return fmt.Errorf("encryption status on handle %d: %w", ev.Handle, ErrNotFound)
	}
	if err := m.transition(rec, StateEncryptionCompleted); err != nil {
		return err
	}
	rec.Bond.Auth = ev.Auth
	rec.Bond.Status = ev.Status
	log.WithField("auth", ev.Auth).Info("Encryption completed")
	return nil
}
