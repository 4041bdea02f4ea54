package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blemgr/internal/simstack"
	"github.com/srg/blemgr/internal/testutils"
	"github.com/srg/blemgr/pkg/bondstore"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/pkg/stack"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// MockPasskeyProvider implements PasskeyProvider for testing
type MockPasskeyProvider struct {
	mock.Mock
}

func (m *MockPasskeyProvider) EnterPasskey(ctx context.Context, h stack.Handle) (string, error) {
	args := m.Called(ctx, h)
	return args.String(0), args.Error(1)
}

// fixedKeys hands out the same local key for every pairing.
type fixedKeys struct{}

var localLTK = stack.LTK{
	Key:     stack.Key{0x10, 0x20, 0x30, 0x40},
	EDiv:    0x1234,
	Rand:    [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	KeySize: 16,
}

func (fixedKeys) GenerateLTK(stack.Address, uint8) (stack.LTK, error) { return localLTK, nil }

// countingKeys hands out a distinct key on every call.
type countingKeys struct {
	calls int
}

func (g *countingKeys) GenerateLTK(_ stack.Address, keySize uint8) (stack.LTK, error) {
	g.calls++
	key := localLTK
	key.EDiv = uint16(g.calls)
	key.Rand[0] = byte(g.calls)
	key.KeySize = keySize
	return key, nil
}

type ManagerSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	sim    *simstack.Stack
	bonds  *bondstore.MemoryStore
	mgr    *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.start(s.helper.Config())
}

// start replaces the manager under test with one built from cfg.
func (s *ManagerSuite) start(cfg *config.Config, opts ...Option) {
	s.sim = simstack.New(0, s.helper.Logger)
	s.bonds = bondstore.NewMemoryStore(cfg.BondStore.Capacity)

	opts = append([]Option{
		WithConfig(cfg),
		WithLogger(s.helper.Logger),
		WithBondStore(s.bonds),
		WithKeyGenerator(fixedKeys{}),
	}, opts...)

	mgr, err := New(s.sim, opts...)
	s.Require().NoError(err)
	s.Require().NoError(mgr.Init())
	s.mgr = mgr
}

func (s *ManagerSuite) deliver(events ...stack.Event) {
	for _, ev := range events {
		s.mgr.Dispatch(ev)
	}
}

func (s *ManagerSuite) commands(name string) []simstack.Command {
	return s.sim.CommandsNamed(name)
}

func (s *ManagerSuite) requireState(h stack.Handle, want State) RecordView {
	view, ok := s.mgr.Connection(h)
	s.Require().True(ok, "no live record for handle %d", h)
	s.Require().Equal(want, view.State)
	return view
}

// pairPeripheral drives an inbound link on h through a bonding pairing.
func (s *ManagerSuite) pairPeripheral(h stack.Handle, addr stack.Address, irk stack.Key) {
	s.deliver(
		testutils.Connected(h, addr),
		testutils.PairRequest(h),
		testutils.PairSucceeded(h, stack.AuthMITMBond, irk),
	)
	s.requireState(h, StatePaired)
}

func (s *ManagerSuite) TestNewRejectsNilStack() {
	_, err := New(nil)
	s.Error(err)
}

func (s *ManagerSuite) TestNewRejectsInvalidConfig() {
	cfg := config.DefaultConfig()
	cfg.MaxDeviceConnections = 0
	_, err := New(s.sim, WithConfig(cfg))
	s.Error(err)
}

func (s *ManagerSuite) TestInboundPairingBondsPeer() {
	addr := testutils.PublicAddr(1)
	s.deliver(testutils.Connected(1, addr))

	view := s.requireState(1, StateConnected)
	s.Equal(stack.RolePeripheral, view.Role)
	s.True(s.mgr.IsPeripheral(1))
	s.False(s.mgr.IsCentral(1))

	secReqs := s.commands(simstack.CmdSlaveSecurityRequest)
	s.Require().Len(secReqs, 1)
	s.True(secReqs[0].MITM)
	s.True(secReqs[0].Bond)

	s.deliver(testutils.PairRequest(1))
	s.requireState(1, StatePairing)

	auths := s.commands(simstack.CmdAuthenticate)
	s.Require().Len(auths, 1)
	s.Equal(localLTK, auths[0].LTK)
	s.Equal(stack.KeyDistEnc, auths[0].Features.InitiatorKeys)
	s.Equal(uint8(16), auths[0].Features.MaxKeySize)
	s.Equal(stack.IODisplayOnly, auths[0].Features.IOCapability)

	s.deliver(testutils.PairSucceeded(1, stack.AuthMITMBond, stack.Key{}))
	view = s.requireState(1, StatePaired)
	s.True(view.Bond.Valid())
	s.Equal(stack.AuthMITMBond, view.Bond.Auth)

	ids, err := s.bonds.List(bondstore.GroupBonding)
	s.Require().NoError(err)
	s.Require().Len(ids, 1)
	stored, err := s.bonds.Read(ids[0])
	s.Require().NoError(err)
	s.True(stored.PeerAddr.Equal(addr))
	s.Equal(localLTK, stored.LocalLTK)
}

func (s *ManagerSuite) TestRepairingBondedPeerReusesLocalKey() {
	keys := &countingKeys{}
	s.start(s.helper.Config(), WithKeyGenerator(keys))

	addr := testutils.PublicAddr(1)
	s.pairPeripheral(1, addr, stack.Key{})
	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))

	s.deliver(testutils.Connected(2, addr))
	view := s.requireState(2, StateConnected)
	s.True(view.Bond.Valid(), "bond survives the disconnect")

	s.deliver(testutils.PairRequest(2))
	s.requireState(2, StatePairing)

	auths := s.commands(simstack.CmdAuthenticate)
	s.Require().Len(auths, 2)
	s.Equal(1, keys.calls, "local key is generated once")
	s.Equal(auths[0].LTK.EDiv, auths[1].LTK.EDiv)
	s.Equal(auths[0].LTK.Rand, auths[1].LTK.Rand)
	s.Equal(auths[0].LTK, auths[1].LTK)
}

func (s *ManagerSuite) TestUnbondedPairingIsForgottenOnReconnect() {
	addr := testutils.PublicAddr(1)
	s.deliver(
		testutils.Connected(1, addr),
		testutils.PairRequest(1),
		testutils.PairSucceeded(1, stack.AuthNoMITMNoBond, stack.Key{}),
	)
	s.True(s.requireState(1, StatePaired).Bond.Valid())

	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff), testutils.Connected(2, addr))

	view := s.requireState(2, StateConnected)
	s.False(view.Bond.Valid())
	s.Equal(stack.LTK{}, view.Bond.PeerLTK)
	s.True(view.Bond.PeerIRK.IsZero())
}

func (s *ManagerSuite) TestResolvableAddressGetsIdentityKeyDistribution() {
	addr := testutils.ResolvableAddr(1)
	s.deliver(testutils.Connected(1, addr), testutils.Unresolved(addr), testutils.PairRequest(1))

	auths := s.commands(simstack.CmdAuthenticate)
	s.Require().Len(auths, 1)
	s.Equal(stack.KeyDistEnc|stack.KeyDistID, auths[0].Features.InitiatorKeys)
	s.Equal(stack.KeyDistEnc|stack.KeyDistID, auths[0].Features.ResponderKeys)
}

func (s *ManagerSuite) TestOutboundConnectionIsCentral() {
	addr := testutils.StaticAddr(9)
	s.Require().NoError(s.mgr.Connect(addr))
	s.Require().Len(s.commands(simstack.CmdConnect), 1)

	s.deliver(testutils.Connected(4, addr))
	view := s.requireState(4, StateConnected)
	s.Equal(stack.RoleCentral, view.Role)
	s.True(s.mgr.IsCentral(4))
	s.Empty(s.commands(simstack.CmdSlaveSecurityRequest), "the central does not request security")

	s.deliver(testutils.Disconnected(4, stack.ReasonRemotePowerOff))
	s.True(s.mgr.IsDisconnectedCentral(4))
	s.False(s.mgr.IsCentral(4))
}

func (s *ManagerSuite) TestConnectFailureClearsTarget() {
	addr := testutils.PublicAddr(3)
	s.sim.FailNext(simstack.CmdConnect, 1)

	err := s.mgr.Connect(addr)
	var cmdErr *stack.CommandError
	s.Require().ErrorAs(err, &cmdErr)
	s.ErrorIs(err, simstack.ErrRejected)

	s.deliver(testutils.Connected(1, addr))
	s.True(s.mgr.IsPeripheral(1))
}

func (s *ManagerSuite) TestBondedPeerReconnectsWithEncryptionBeforeResolution() {
	irk := testutils.IRK(7)
	first := testutils.ResolvableAddr(1)

	s.deliver(testutils.Connected(1, first))
	resolves := s.commands(simstack.CmdResolveRandomAddress)
	s.Require().Len(resolves, 1)
	s.Empty(resolves[0].IRKs)

	s.deliver(
		testutils.Unresolved(first),
		testutils.PairRequest(1),
		testutils.PairSucceeded(1, stack.AuthMITMBond, irk),
	)
	view := s.requireState(1, StatePaired)
	ref := view.Ref

	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))
	gone, err := s.mgr.Lookup(ref)
	s.Require().NoError(err)
	s.Equal(StateDisconnected, gone.State)
	s.sim.ResetCommands()

	second := testutils.ResolvableAddr(2)
	s.deliver(testutils.Connected(2, second))
	resolves = s.commands(simstack.CmdResolveRandomAddress)
	s.Require().Len(resolves, 1)
	s.Equal([]stack.Key{irk}, resolves[0].IRKs)

	s.deliver(testutils.EncryptionRequest(2, localLTK))
	s.Empty(s.commands(simstack.CmdEncryptionRequestReply), "request is held until the address resolves")

	s.deliver(testutils.Resolved(second, irk))
	back := s.requireState(2, StateEncrypting)
	s.Equal(ref, back.Ref, "the bonded record is reused")
	s.True(back.PeerAddr.Equal(second))
	s.Equal(stack.RolePeripheral, back.Role)

	replies := s.commands(simstack.CmdEncryptionRequestReply)
	s.Require().Len(replies, 1)
	s.True(replies[0].KeyFound)
	s.Equal(localLTK, replies[0].LTK)
	s.Empty(s.commands(simstack.CmdSlaveSecurityRequest), "replayed request replaces the security request")

	s.deliver(testutils.EncryptionStatus(2, stack.StatusSuccess, stack.AuthMITMBond))
	s.requireState(2, StateEncryptionCompleted)
}

func (s *ManagerSuite) TestUnknownKeyDisconnects() {
	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))
	s.deliver(testutils.EncryptionRequest(1, stack.LTK{EDiv: 0x9999}))

	replies := s.commands(simstack.CmdEncryptionRequestReply)
	s.Require().Len(replies, 1)
	s.False(replies[0].KeyFound)

	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 1)
	s.Equal(stack.ReasonAuthFailure, discs[0].Reason)

	s.deliver(testutils.Disconnected(1, stack.ReasonAuthFailure))
	s.False(s.mgr.StateMatches(1, StateDisconnected))
	s.True(s.mgr.StateMatches(1, StateIdle))
}

func (s *ManagerSuite) TestEncryptionRequestWithWrongDiversifier() {
	s.pairPeripheral(1, testutils.PublicAddr(1), stack.Key{})

	wrong := localLTK
	wrong.EDiv++
	s.Require().ErrorIs(s.mgr.onEncryptionRequest(testutils.EncryptionRequest(1, wrong)), ErrKeyNotFound)
	s.False(s.commands(simstack.CmdEncryptionRequestReply)[0].KeyFound)
}

func (s *ManagerSuite) TestCapacityOverflowDisconnects() {
	s.start(s.helper.Config(func(c *config.Config) { c.MaxDeviceConnections = 2 }))

	s.deliver(
		testutils.Connected(1, testutils.PublicAddr(1)),
		testutils.Connected(2, testutils.PublicAddr(2)),
	)
	s.Require().Equal(2, s.mgr.table.Live())
	before := s.mgr.Connections()

	err := s.mgr.onConnected(testutils.Connected(3, testutils.PublicAddr(3)))
	s.ErrorIs(err, ErrCapacityExceeded)

	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 1)
	s.Equal(stack.Handle(3), discs[0].Handle)
	s.Equal(stack.ReasonTerminatedByUser, discs[0].Reason)

	s.Equal(before, s.mgr.Connections())
	_, ok := s.mgr.Connection(3)
	s.False(ok)
}

func (s *ManagerSuite) TestResolutionCapacityOverflowDisconnects() {
	s.start(s.helper.Config(func(c *config.Config) { c.MaxDeviceConnections = 1 }))

	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))
	rpa := testutils.ResolvableAddr(5)
	s.deliver(testutils.Connected(2, rpa), testutils.Unresolved(rpa))

	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 1)
	s.Equal(stack.Handle(2), discs[0].Handle)
	s.Equal(1, s.mgr.table.Live())
}

func (s *ManagerSuite) TestOverlappingResolutionsAreQueued() {
	a, b := testutils.ResolvableAddr(1), testutils.ResolvableAddr(2)

	s.deliver(testutils.Connected(1, a), testutils.Connected(2, b))
	s.Require().Len(s.commands(simstack.CmdResolveRandomAddress), 1)

	s.deliver(testutils.Unresolved(a))
	resolves := s.commands(simstack.CmdResolveRandomAddress)
	s.Require().Len(resolves, 2, "parked connection is resolved next")
	s.True(resolves[1].Peers[0].Equal(b))
	s.requireState(1, StateConnected)

	s.deliver(testutils.Unresolved(b))
	s.requireState(2, StateConnected)
	s.Len(s.commands(simstack.CmdSlaveSecurityRequest), 2)
}

func (s *ManagerSuite) TestThirdOverlappingEventIsRejected() {
	rpa := testutils.ResolvableAddr(1)
	s.deliver(testutils.Connected(1, rpa), testutils.EncryptionRequest(1, localLTK))

	err := s.mgr.onEncryptionRequest(testutils.EncryptionRequest(1, localLTK))
	s.ErrorIs(err, ErrPendingBusy)

	err = s.mgr.onConnected(testutils.Connected(2, testutils.ResolvableAddr(2)))
	s.ErrorIs(err, ErrPendingBusy)

	s.Require().Len(s.commands(simstack.CmdResolveRandomAddress), 1)

	replies := s.commands(simstack.CmdEncryptionRequestReply)
	s.Require().Len(replies, 1, "rejected encryption request is answered")
	s.Equal(stack.Handle(1), replies[0].Handle)
	s.False(replies[0].KeyFound)

	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 2)
	s.Equal(stack.Handle(1), discs[0].Handle)
	s.Equal(stack.ReasonAuthFailure, discs[0].Reason)
	s.Equal(stack.Handle(2), discs[1].Handle)
	s.Equal(stack.ReasonTerminatedByUser, discs[1].Reason)
}

func (s *ManagerSuite) TestRejectedConnectionIsNotTracked() {
	a, b := testutils.ResolvableAddr(1), testutils.ResolvableAddr(2)
	s.deliver(
		testutils.Connected(1, a),
		testutils.EncryptionRequest(1, localLTK),
		testutils.Connected(2, b),
	)

	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 1)
	s.Equal(stack.Handle(2), discs[0].Handle)
	s.Equal(stack.ReasonTerminatedByUser, discs[0].Reason)

	s.deliver(testutils.Unresolved(a), testutils.Disconnected(2, stack.ReasonTerminatedByLocalHost))
	s.Len(s.commands(simstack.CmdResolveRandomAddress), 1, "rejected link is never resolved")
	_, tracked := s.mgr.Connection(2)
	s.False(tracked)
	s.Len(s.commands(simstack.CmdEncryptionRequestReply), 1, "parked request is answered after resolution")
}

func (s *ManagerSuite) TestDisconnectDuringResolutionReplaysParkedConnection() {
	a, b := testutils.ResolvableAddr(1), testutils.ResolvableAddr(2)
	s.deliver(testutils.Connected(1, a), testutils.Connected(2, b))
	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))

	resolves := s.commands(simstack.CmdResolveRandomAddress)
	s.Require().Len(resolves, 2)
	s.True(resolves[1].Peers[0].Equal(b))
	s.Empty(s.mgr.Connections(), "abandoned link never reached the table")
}

func (s *ManagerSuite) TestAuthenticateRetriedOnceWithoutBonding() {
	s.sim.FailNext(simstack.CmdAuthenticate, 1)
	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)), testutils.PairRequest(1))

	auths := s.commands(simstack.CmdAuthenticate)
	s.Require().Len(auths, 2)
	s.True(auths[0].Features.Bond)
	s.True(auths[0].Features.MITM)
	s.False(auths[1].Features.Bond)
	s.False(auths[1].Features.MITM)
	s.requireState(1, StatePairing)
	s.Empty(s.commands(simstack.CmdDisconnect))
}

func (s *ManagerSuite) TestAuthenticateFailureDropsPeripheralLink() {
	s.sim.FailNext(simstack.CmdAuthenticate, 2)
	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))

	err := s.mgr.onPairRequest(testutils.PairRequest(1))
	var cmdErr *stack.CommandError
	s.Require().ErrorAs(err, &cmdErr)
	s.Equal("authenticate", cmdErr.Command)

	s.requireState(1, StatePairingFailed)
	discs := s.commands(simstack.CmdDisconnect)
	s.Require().Len(discs, 1)
	s.Equal(stack.ReasonTerminatedByUser, discs[0].Reason)
}

func (s *ManagerSuite) TestPairingFailureAsCentralKeepsLink() {
	addr := testutils.PublicAddr(1)
	s.Require().NoError(s.mgr.Connect(addr))
	s.deliver(
		testutils.Connected(1, addr),
		&stack.SlaveSecRequest{Handle: 1, Bond: false, MITM: true},
	)
	s.requireState(1, StatePairing)

	auths := s.commands(simstack.CmdAuthenticate)
	s.Require().Len(auths, 1)
	s.False(auths[0].Features.Bond)
	s.True(auths[0].Features.MITM)
	s.Equal(stack.IOKeyboardDisplay, auths[0].Features.IOCapability)

	s.deliver(testutils.PairFailed(1))
	s.requireState(1, StatePairingFailed)
	s.Empty(s.commands(simstack.CmdDisconnect))
}

func (s *ManagerSuite) TestCentralReencryptsWithStoredBond() {
	addr := testutils.PublicAddr(1)
	s.Require().NoError(s.mgr.Connect(addr))
	s.deliver(
		testutils.Connected(1, addr),
		&stack.SlaveSecRequest{Handle: 1, Bond: true, MITM: true},
		testutils.PairSucceeded(1, stack.AuthMITMBond, stack.Key{}),
		testutils.Disconnected(1, stack.ReasonRemotePowerOff),
	)
	s.Empty(s.commands(simstack.CmdEncryptionStart))

	s.Require().NoError(s.mgr.Connect(addr))
	s.deliver(
		testutils.Connected(2, addr),
		&stack.SlaveSecRequest{Handle: 2, Bond: true, MITM: true},
	)
	s.requireState(2, StateEncrypting)

	starts := s.commands(simstack.CmdEncryptionStart)
	s.Require().Len(starts, 1)
	s.Equal(stack.AuthMITMBond, starts[0].Auth)
	s.Equal(testutils.PairSucceeded(1, stack.AuthMITMBond, stack.Key{}).PeerLTK, starts[0].LTK)

	s.deliver(testutils.EncryptionStatus(2, stack.StatusSuccess, stack.AuthMITMBond))
	s.requireState(2, StateEncryptionCompleted)
	s.Len(s.commands(simstack.CmdAuthenticate), 1, "no second pairing")
}

func (s *ManagerSuite) TestEncryptionFailureDropsBond() {
	addr := testutils.PublicAddr(1)
	s.pairPeripheral(1, addr, stack.Key{})
	s.deliver(testutils.EncryptionRequest(1, localLTK))
	s.requireState(1, StateEncrypting)

	s.deliver(testutils.EncryptionStatus(1, stack.StatusFailure, stack.AuthNoMITMNoBond))
	s.requireState(1, StateEncryptionFailed)

	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))
	s.True(s.mgr.StateMatches(1, StateIdle))
	for _, v := range s.mgr.Connections() {
		s.False(v.Bond.Valid())
	}
}

func (s *ManagerSuite) TestPairingDisabledReportsPaired() {
	s.start(s.helper.Config(func(c *config.Config) { c.Pairing.Enabled = false }))

	var got []*stack.PairDone
	sub := NewSubscriber("app", CategoryGAP).MustOn(stack.EventPairDone, Typed(func(ev *stack.PairDone) error {
		got = append(got, ev)
		return nil
	}))
	s.Require().True(s.mgr.Register(sub))

	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))
	s.requireState(1, StatePaired)
	s.Empty(s.commands(simstack.CmdSlaveSecurityRequest))
	s.Require().Len(got, 1)
	s.Equal(stack.StatusSuccess, got[0].Status)
	s.Equal(stack.AuthNoMITMNoBond, got[0].Auth)

	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))
	s.True(s.mgr.StateMatches(1, StateIdle), "non-bonded link is wiped")
	role, err := s.mgr.DisconnectedRoleOf(1)
	s.Require().NoError(err)
	s.Equal(stack.RolePeripheral, role)
}

func (s *ManagerSuite) TestPairingDisabledKeepsRestoredBond() {
	addr := testutils.PublicAddr(5)
	s.pairPeripheral(1, addr, testutils.IRK(5))
	store := s.bonds

	cfg := s.helper.Config(func(c *config.Config) { c.Pairing.Enabled = false })
	s.sim = simstack.New(0, s.helper.Logger)
	mgr, err := New(s.sim, WithConfig(cfg), WithLogger(s.helper.Logger), WithBondStore(store))
	s.Require().NoError(err)
	s.Require().NoError(mgr.Init())
	s.mgr = mgr

	var got []*stack.PairDone
	sub := NewSubscriber("app", CategoryGAP).MustOn(stack.EventPairDone, Typed(func(ev *stack.PairDone) error {
		got = append(got, ev)
		return nil
	}))
	s.Require().True(mgr.Register(sub))

	s.deliver(testutils.Connected(7, addr))
	view := s.requireState(7, StatePaired)
	s.Equal(stack.AuthMITMBond, view.Bond.Auth)
	s.Equal(testutils.IRK(5), view.Bond.PeerIRK)
	s.Equal(uint8(16), view.Bond.PeerLTK.KeySize)
	s.Require().Len(got, 1)
	s.Equal(stack.AuthMITMBond, got[0].Auth)

	s.deliver(testutils.Disconnected(7, stack.ReasonRemotePowerOff))
	s.True(s.mgr.StateMatches(7, StateDisconnected), "bonded record is kept")
}

func (s *ManagerSuite) TestBondsRestoredOnInit() {
	addr := testutils.PublicAddr(4)
	s.pairPeripheral(1, addr, testutils.IRK(4))
	store := s.bonds

	cfg := s.helper.Config()
	s.sim = simstack.New(0, s.helper.Logger)
	mgr, err := New(s.sim, WithConfig(cfg), WithLogger(s.helper.Logger), WithBondStore(store))
	s.Require().NoError(err)
	s.Require().NoError(mgr.Init())
	s.mgr = mgr

	views := mgr.Connections()
	s.Require().Len(views, 1)
	s.Equal(StateDisconnected, views[0].State)
	s.True(views[0].Bond.Valid())
	s.Equal(stack.InvalidHandle, views[0].Handle)

	s.deliver(testutils.Connected(9, addr), testutils.EncryptionRequest(9, localLTK))
	s.requireState(9, StateEncrypting)
	replies := s.commands(simstack.CmdEncryptionRequestReply)
	s.Require().Len(replies, 1)
	s.True(replies[0].KeyFound)
}

func (s *ManagerSuite) TestRepairingOverwritesStoredBond() {
	addr := testutils.PublicAddr(1)
	s.pairPeripheral(1, addr, stack.Key{})
	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))

	s.deliver(testutils.Connected(2, addr), testutils.PairRequest(2), testutils.PairSucceeded(2, stack.AuthMITMBond, stack.Key{}))
	s.requireState(2, StatePaired)

	ids, err := s.bonds.List(bondstore.GroupBonding)
	s.Require().NoError(err)
	s.Len(ids, 1)
	s.Equal(1, s.bonds.Usage().Garbage)
}

func (s *ManagerSuite) TestFullBondStoreIsCompacted() {
	cfg := s.helper.Config(func(c *config.Config) { c.BondStore.Capacity = 1 })
	s.start(cfg)

	scratch := bondstore.MakeItemID(0x02, 0)
	s.Require().NoError(s.bonds.Write(scratch, bondstore.Record{}))
	s.Require().NoError(s.bonds.Delete(scratch))
	s.Require().Equal(0, s.bonds.Usage().Free())

	s.pairPeripheral(1, testutils.PublicAddr(1), stack.Key{})

	ids, err := s.bonds.List(bondstore.GroupBonding)
	s.Require().NoError(err)
	s.Len(ids, 1)
	s.Equal(0, s.bonds.Usage().Garbage)
}

func (s *ManagerSuite) TestRemoveBonds() {
	s.pairPeripheral(1, testutils.PublicAddr(1), testutils.IRK(1))
	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))
	s.pairPeripheral(2, testutils.PublicAddr(2), testutils.IRK(2))

	s.Require().NoError(s.mgr.RemoveBonds())

	ids, err := s.bonds.List(bondstore.GroupBonding)
	s.Require().NoError(err)
	s.Empty(ids)

	s.True(s.mgr.StateMatches(1, StateIdle))
	live := s.requireState(2, StatePaired)
	s.True(live.Bond.Valid(), "live links keep their bond until they disconnect")
}

func (s *ManagerSuite) TestScanStopsWhenListIsFull() {
	s.start(s.helper.Config(func(c *config.Config) { c.MaxScanDevices = 2 }))
	s.Require().NoError(s.mgr.Scan())

	info := func(last byte) *stack.ScanInfo {
		return &stack.ScanInfo{Addr: testutils.PublicAddr(last), RSSI: -40, AdvData: []byte{0x02, 0x01, 0x06}}
	}
	s.deliver(info(2), info(2), info(1))
	s.Require().Len(s.commands(simstack.CmdScanStop), 1)

	s.deliver(info(3), &stack.ScanReport{Status: stack.StatusSuccess})

	results := s.mgr.ScanResults()
	s.Require().Len(results, 2)
	s.True(results[0].Address().Equal(testutils.PublicAddr(1)))
	s.True(results[1].Address().Equal(testutils.PublicAddr(2)))
}

func (s *ManagerSuite) TestScanResultsAreDecoded() {
	s.start(s.helper.Config())
	s.Require().NoError(s.mgr.Scan())

	s.deliver(
		&stack.ScanInfo{
			Addr:        testutils.PublicAddr(1),
			RSSI:        -52,
			Connectable: true,
			AdvData:     []byte{0x02, 0x01, 0x06, 0x05, 0x09, 'H', 'R', 'M', '1', 0x03, 0x03, 0x0d, 0x18},
		},
		&stack.ScanInfo{Addr: testutils.PublicAddr(2), AdvData: []byte{0x04, 0x03, 0x0d, 0x18, 0x01}},
	)

	results := s.mgr.ScanResults()
	s.Require().Len(results, 1, "malformed report is dropped")
	s.Equal("HRM1", results[0].LocalName())
	s.Equal(-52, results[0].RSSI())
	s.True(results[0].Connectable())
	s.Require().Len(results[0].Services(), 1)
	s.Equal("180d", results[0].Services()[0].String())
}

func (s *ManagerSuite) TestScanInfoIgnoredWhenNotScanning() {
	s.deliver(&stack.ScanInfo{Addr: testutils.PublicAddr(1)})
	s.Empty(s.mgr.ScanResults())
}

func (s *ManagerSuite) TestConnParamUpdateAccepted() {
	s.deliver(&stack.ConnParamUpdateRequest{Handle: 3, IntervalMin: 6, IntervalMax: 12, SupervisionTimeout: 400})

	replies := s.commands(simstack.CmdConnParamUpdateReply)
	s.Require().Len(replies, 1)
	s.True(replies[0].Accept)
	s.Equal(stack.Handle(3), replies[0].Handle)
}

func (s *ManagerSuite) TestPasskeyDisplayRepliesConfiguredPasskey() {
	s.deliver(&stack.PairKeyRequest{Handle: 1, Type: stack.PairKeyPasskey, PasskeyRole: stack.PasskeyDisplay})

	replies := s.commands(simstack.CmdPairKeyReply)
	s.Require().Len(replies, 1)
	s.Equal([]byte("123456"), replies[0].Key)
}

func (s *ManagerSuite) TestPasskeyEntry() {
	provider := new(MockPasskeyProvider)
	provider.On("EnterPasskey", mock.Anything, stack.Handle(1)).Return("654321", nil)
	s.start(s.helper.Config(), WithPasskeyProvider(provider))

	s.deliver(&stack.PairKeyRequest{Handle: 1, Type: stack.PairKeyPasskey, PasskeyRole: stack.PasskeyEntry})

	replies := s.commands(simstack.CmdPairKeyReply)
	s.Require().Len(replies, 1)
	s.Equal([]byte("654321"), replies[0].Key)
	provider.AssertExpectations(s.T())
}

func (s *ManagerSuite) TestPasskeyEntryFailures() {
	tests := []struct {
		name    string
		passkey string
		err     error
	}{
		{name: "timeout", err: ErrPasskeyTimeout},
		{name: "too short", passkey: "123"},
		{name: "not digits", passkey: "12345a"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			provider := new(MockPasskeyProvider)
			provider.On("EnterPasskey", mock.Anything, stack.Handle(1)).Return(tt.passkey, tt.err)
			s.start(s.helper.Config(), WithPasskeyProvider(provider))

			err := s.mgr.onPairKeyRequest(&stack.PairKeyRequest{Handle: 1, PasskeyRole: stack.PasskeyEntry})
			s.Error(err)
			if tt.err != nil {
				s.ErrorIs(err, tt.err)
			}

			s.Empty(s.commands(simstack.CmdPairKeyReply))
			discs := s.commands(simstack.CmdDisconnect)
			s.Require().Len(discs, 1)
			s.Equal(stack.ReasonTerminatedByUser, discs[0].Reason)
		})
	}
}

func (s *ManagerSuite) TestOOBKeyRequestIsNotAnswered() {
	s.deliver(&stack.PairKeyRequest{Handle: 1, Type: stack.PairKeyOOB})
	s.Empty(s.commands(simstack.CmdPairKeyReply))
}

func (s *ManagerSuite) TestDispatchOrderAndErrorIsolation() {
	var order []string
	first := NewSubscriber("first", CategoryGAP).MustOn(stack.EventConnected, func(ev stack.Event) error {
		order = append(order, "first")
		return errors.New("boom")
	})
	// Handlers may query the manager while an event is delivered.
	second := NewSubscriber("second", CategoryGAP).MustOn(stack.EventConnected, func(ev stack.Event) error {
		c := ev.(*stack.Connected)
		if s.mgr.StateMatches(c.Handle, StateConnected) {
			order = append(order, "second")
		}
		return nil
	})
	silent := NewSubscriber("silent", CategoryGAP)

	s.Require().True(s.mgr.Register(first))
	s.Require().True(s.mgr.Register(silent))
	s.Require().True(s.mgr.Register(second))

	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))
	s.Equal([]string{"first", "second"}, order)
}

func (s *ManagerSuite) TestRegisterLimits() {
	for i := 1; i < s.helper.Config().Subscribers.GAP; i++ {
		s.Require().True(s.mgr.Register(NewSubscriber("app", CategoryGAP)))
	}
	extra := NewSubscriber("extra", CategoryGAP)
	s.False(s.mgr.Register(extra))
	s.Equal(s.helper.Config().Subscribers.GAP, s.mgr.Subscribers(CategoryGAP))

	s.mgr.Unregister(s.mgr.gapSub)
	s.True(s.mgr.Register(extra))
	s.False(s.mgr.Register(nil))
}

func (s *ManagerSuite) TestRegisterRejectsUnknownCategory() {
	sub := NewSubscriber("bogus", Category(200))
	s.False(s.mgr.Register(sub))
	s.Zero(s.mgr.Subscribers(Category(200)))
	s.mgr.Unregister(sub)
}

func (s *ManagerSuite) TestHandlersInstalledWhileDispatching() {
	var delivered atomic.Int32
	count := func(stack.Event) error {
		delivered.Add(1)
		return nil
	}
	sub := NewSubscriber("late", CategoryGATTClient)
	s.Require().True(s.mgr.Register(sub))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			sub.MustOn(stack.EventIndicationReceived, count)
		}
	}()
	for i := 0; i < 100; i++ {
		s.mgr.Dispatch(&stack.RawEvent{Kind: stack.EventIndicationReceived})
	}
	wg.Wait()

	s.mgr.Dispatch(&stack.RawEvent{Kind: stack.EventIndicationReceived})
	s.GreaterOrEqual(delivered.Load(), int32(1))
}

func (s *ManagerSuite) TestRawEventsReachCategorySubscribers() {
	var payload []byte
	sub := NewSubscriber("client", CategoryGATTClient).MustOn(stack.EventCharacteristicReadByUUIDResponse, func(ev stack.Event) error {
		payload = append([]byte(nil), ev.(*stack.RawEvent).Params...)
		return nil
	})
	s.Require().True(s.mgr.Register(sub))

	s.Require().NoError(s.sim.InjectRaw(stack.EventCharacteristicReadByUUIDResponse, []byte{0x01, 0x02}))
	s.Require().NoError(s.sim.InjectRaw(stack.EventCodeCount, []byte{0xff}))

	handled, err := s.mgr.Poll(context.Background())
	s.Require().NoError(err)
	s.True(handled)
	s.Equal([]byte{0x01, 0x02}, payload)

	handled, err = s.mgr.Poll(context.Background())
	s.Require().NoError(err)
	s.True(handled, "unknown codes are consumed and dropped")

	handled, err = s.mgr.Poll(context.Background())
	s.Require().NoError(err)
	s.False(handled)
}

func (s *ManagerSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.mgr.Run(ctx) }()

	s.Require().NoError(s.sim.Inject(testutils.Connected(1, testutils.PublicAddr(1))))
	s.Eventually(func() bool { return s.mgr.StateMatches(1, StateConnected) }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("Run did not stop")
	}
}

func (s *ManagerSuite) TestLookupStaleRef() {
	s.start(s.helper.Config(func(c *config.Config) { c.MaxDeviceConnections = 1 }))
	s.deliver(testutils.Connected(1, testutils.PublicAddr(1)))
	view, _ := s.mgr.Connection(1)

	s.deliver(testutils.Disconnected(1, stack.ReasonRemotePowerOff))
	s.deliver(testutils.Connected(2, testutils.PublicAddr(2)))

	_, err := s.mgr.Lookup(view.Ref)
	s.ErrorIs(err, ErrStaleRef)
}
