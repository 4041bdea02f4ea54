package manager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/stack"
)

// storeBond writes rec's bond to the store, reusing the item of the same peer when there is
// one. A full store is compacted and the write retried once. Caller holds mu.
func (m *Manager) storeBond(rec *Record) error {
	ids, err := m.bonds.List(bondstore.GroupBonding)
	if err != nil {
		return fmt.Errorf("listing bonds: %w", err)
	}

	id, found := m.bondItemFor(rec, ids)
	if !found {
		if len(ids) >= m.cfg.MaxDeviceConnections {
			return &CapacityError{Resource: "bond store", Limit: m.cfg.MaxDeviceConnections}
		}
		id = freeBondID(ids)
	}

	item := bondstore.Record{
		PeerAddr: rec.PeerAddr,
		Auth:     rec.Bond.Auth,
		PeerLTK:  rec.Bond.PeerLTK,
		PeerCSRK: rec.Bond.PeerCSRK,
		PeerIRK:  rec.Bond.PeerIRK,
		LocalLTK: rec.LocalLTK,
	}

	err = m.bonds.Write(id, item)
	if errors.Is(err, bondstore.ErrNoSpace) {
		m.logger.Debug("Bond store full, compacting")
		if cerr := m.bonds.Compact(); cerr != nil {
			return fmt.Errorf("compacting bond store: %w", cerr)
		}
		err = m.bonds.Write(id, item)
	}
	if err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{"peer": rec.PeerAddr, "item": id}).Info("Bond stored")
	return nil
}

// bondItemFor finds the stored item of the same peer, matched by identity key or address.
func (m *Manager) bondItemFor(rec *Record, ids []bondstore.ItemID) (bondstore.ItemID, bool) {
	for _, id := range ids {
		stored, err := m.bonds.Read(id)
		if err != nil {
			continue
		}
		if !rec.Bond.PeerIRK.IsZero() && stored.PeerIRK == rec.Bond.PeerIRK {
			return id, true
		}
		if stored.PeerAddr.Equal(rec.PeerAddr) {
			return id, true
		}
	}
	return 0, false
}

// freeBondID returns the lowest unused sub-id; ids is sorted.
func freeBondID(ids []bondstore.ItemID) bondstore.ItemID {
	var sub uint8
	for _, id := range ids {
		if id.Sub() != sub {
			break
		}
		sub++
	}
	return bondstore.MakeItemID(bondstore.GroupBonding, sub)
}

// restoreBonds seeds the table with every stored bond. Caller holds mu.
func (m *Manager) restoreBonds() error {
	ids, err := m.bonds.List(bondstore.GroupBonding)
	if err != nil {
		return fmt.Errorf("listing bonds: %w", err)
	}
	if len(ids) > m.table.Capacity() {
		m.logger.WithFields(logrus.Fields{
			"stored": len(ids),
			"limit":  m.table.Capacity(),
		}).Warn("More bonds stored than connection slots, restoring the first ones")
		ids = ids[:m.table.Capacity()]
	}

	for _, id := range ids {
		item, err := m.bonds.Read(id)
		if err != nil {
			m.logger.WithField("item", id).WithError(err).Error("Reading bond failed")
			continue
		}
		ref, err := m.table.Restore(Record{
			PeerAddr: item.PeerAddr,
			Bond: BondInfo{
				Status:   stack.StatusSuccess,
				Auth:     item.Auth,
				PeerLTK:  item.PeerLTK,
				PeerCSRK: item.PeerCSRK,
				PeerIRK:  item.PeerIRK,
			},
			LocalLTK: item.LocalLTK,
		})
		if err != nil {
			return fmt.Errorf("restoring bond %s: %w", id, err)
		}
		m.logger.WithFields(logrus.Fields{"peer": item.PeerAddr, "item": id, "ref": ref}).Debug("Bond restored")
	}
	return nil
}

// removeBonds deletes every stored bond and forgets the bonds of released records.
// Caller holds mu.
func (m *Manager) removeBonds() error {
	ids, err := m.bonds.List(bondstore.GroupBonding)
	if err != nil {
		return fmt.Errorf("listing bonds: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := m.bonds.Delete(id); err != nil {
			errs = append(errs, err)
		}
	}
	forgotten := m.table.ForgetReleased()

	m.logger.WithFields(logrus.Fields{"removed": len(ids) - len(errs), "forgotten": forgotten}).Info("Bonds removed")
	return errors.Join(errs...)
}
