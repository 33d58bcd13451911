package port

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

func TestParseProfile(t *testing.T) {
	for in, want := range map[string]Profile{
		"":        ProfileCustom,
		"custom":  ProfileCustom,
		"Default": ProfileDefault,
		"power":   ProfilePower,
		" gPTP ":  ProfileGPTP,
		"802.1as": ProfileGPTP,
	} {
		p, err := ParseProfile(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, p, in)
	}
	_, err := ParseProfile("telecom")
	assert.ErrorIs(t, err, ptp.ErrConfigInvalid)
}

func TestProfileConfig(t *testing.T) {
	assert.Equal(t, DefaultConfig(1), ProfileConfig(ProfileDefault, 1))
	assert.Equal(t, DefaultConfig(1), ProfileConfig(ProfileCustom, 1))

	p := ProfileConfig(ProfilePower, 2)
	assert.Equal(t, uint16(2), p.PortNumber)
	assert.Equal(t, DelayP2P, p.DelayMechanism)
	assert.Equal(t, int8(1), p.LogAnnounceInterval)
	assert.Equal(t, int8(-4), p.LogSyncInterval)
	assert.Equal(t, int8(0), p.LogDelayReqInterval)
	assert.Equal(t, uint8(3), p.AnnounceReceiptTimeout)

	g := ProfileConfig(ProfileGPTP, 1)
	assert.Equal(t, DelayP2P, g.DelayMechanism)
	assert.Equal(t, int8(0), g.LogAnnounceInterval)
	assert.Equal(t, int8(-3), g.LogSyncInterval)

	for _, pr := range []Profile{ProfileCustom, ProfileDefault, ProfilePower, ProfileGPTP} {
		c := ProfileConfig(pr, 1)
		assert.NoError(t, c.Validate(), pr.String())
		assert.NoError(t, c.CheckProfile(pr), pr.String())
	}
}

func TestCheckProfile(t *testing.T) {
	c := ProfileConfig(ProfilePower, 1)
	c.DelayMechanism = DelayE2E
	assert.ErrorIs(t, c.CheckProfile(ProfilePower), ptp.ErrConfigInvalid, "power только P2P")

	c = ProfileConfig(ProfileGPTP, 1)
	c.Domain = 4
	assert.ErrorIs(t, c.CheckProfile(ProfileGPTP), ptp.ErrConfigInvalid, "gPTP только домен 0")

	c = ProfileConfig(ProfileDefault, 1)
	c.DelayMechanism = DelayP2P
	assert.ErrorIs(t, c.CheckProfile(ProfileDefault), ptp.ErrConfigInvalid, "default только E2E")

	c = ProfileConfig(ProfileDefault, 1)
	c.Domain = 127
	assert.NoError(t, c.CheckProfile(ProfileDefault))
	c.Domain = 128
	assert.ErrorIs(t, c.CheckProfile(ProfileDefault), ptp.ErrConfigInvalid)

	c = ProfileConfig(ProfileDefault, 1)
	c.LogAnnounceInterval = -4
	assert.ErrorIs(t, c.CheckProfile(ProfileDefault), ptp.ErrConfigInvalid)

	assert.ErrorIs(t, c.CheckProfile(Profile(9)), ptp.ErrConfigInvalid)

	// custom не ограничивает ни механизм, ни домен
	c = ProfileConfig(ProfileCustom, 1)
	c.DelayMechanism = DelayP2P
	c.Domain = 200
	assert.NoError(t, c.CheckProfile(ProfileCustom))
}
