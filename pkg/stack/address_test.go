package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		typ     AddrType
		want    string
		wantErr bool
	}{
		{name: "upper case", input: "AA:BB:CC:DD:EE:FF", typ: AddrPublic, want: "aa:bb:cc:dd:ee:ff"},
		{name: "lower case", input: "01:02:03:04:05:06", typ: AddrRandomStatic, want: "01:02:03:04:05:06"},
		{name: "dash separated", input: "01-02-03-04-05-06", typ: AddrPublic, want: "01:02:03:04:05:06"},
		{name: "too long", input: "01:02:03:04:05:06:07:08", typ: AddrPublic, wantErr: true},
		{name: "garbage", input: "not-an-address", typ: AddrPublic, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAddress(tt.input, tt.typ)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
			assert.Equal(t, tt.typ, a.Type)
		})
	}
}

func TestAddressEqualConsidersType(t *testing.T) {
	pub := MustParseAddress("aa:bb:cc:dd:ee:ff", AddrPublic)
	rnd := MustParseAddress("aa:bb:cc:dd:ee:ff", AddrRandomStatic)

	assert.True(t, pub.Equal(pub))
	assert.False(t, pub.Equal(rnd))
	assert.False(t, pub.IsZero())
	assert.True(t, Address{}.IsZero())
	assert.True(t, MustParseAddress("4a:00:00:00:00:01", AddrRandomPrivateResolvable).IsResolvable())
}

func TestAuthLevelBits(t *testing.T) {
	tests := []struct {
		auth   AuthLevel
		bonded bool
		mitm   bool
	}{
		{AuthNoMITMNoBond, false, false},
		{AuthNoMITMBond, true, false},
		{AuthMITMNoBond, false, true},
		{AuthMITMBond, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.auth.String(), func(t *testing.T) {
			assert.Equal(t, tt.bonded, tt.auth.Bonded())
			assert.Equal(t, tt.mitm, tt.auth.MITM())
		})
	}
}

func TestLTKMatches(t *testing.T) {
	key := LTK{EDiv: 0x1234, Rand: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}

	assert.True(t, key.Matches(0x1234, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.False(t, key.Matches(0x1235, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	assert.False(t, key.Matches(0x1234, [8]byte{}))
}

func TestParseAddrTypeAndAuthLevel(t *testing.T) {
	at, err := ParseAddrType("random_resolvable")
	require.NoError(t, err)
	assert.Equal(t, AddrRandomPrivateResolvable, at)

	at, err = ParseAddrType("public")
	require.NoError(t, err)
	assert.Equal(t, AddrPublic, at)

	_, err = ParseAddrType("martian")
	assert.Error(t, err)

	auth, err := ParseAuthLevel("mitm_bond")
	require.NoError(t, err)
	assert.Equal(t, AuthMITMBond, auth)

	auth, err = ParseAuthLevel("no-mitm-no-bond")
	require.NoError(t, err)
	assert.Equal(t, AuthNoMITMNoBond, auth)

	_, err = ParseAuthLevel("bonded")
	assert.Error(t, err)
}
