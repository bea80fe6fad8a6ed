package peer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/domain"
	apperrors "github.com/ceejay06s/Samp-rtc-sub009/pkg/errors"
)

func TestCaptureIsExclusive(t *testing.T) {
	first := NewController(Config{Source: StaticSource{}})
	require.NoError(t, first.Start(context.Background(), domain.CallKindVoice))
	defer first.Teardown()

	second := NewController(Config{Source: StaticSource{}})
	err := second.Start(context.Background(), domain.CallKindVoice)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCaptureBusy))

	// Releasing the first session frees the device.
	require.NoError(t, first.Teardown())
	require.NoError(t, second.Start(context.Background(), domain.CallKindVoice))
	require.NoError(t, second.Teardown())
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	caller := NewController(Config{Source: StaticSource{}})
	require.NoError(t, caller.Start(context.Background(), domain.CallKindVoice))
	defer caller.Teardown()

	cand := &domain.IceCandidate{
		CallID:    uuid.New(),
		FromUser:  uuid.New(),
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	}
	require.NoError(t, caller.AddCandidate(cand))
	assert.Equal(t, 1, caller.PendingCandidates(), "candidate must buffer before remote description")

	// The same candidate redelivered is dropped by fingerprint.
	require.NoError(t, caller.AddCandidate(cand))
	assert.Equal(t, 1, caller.PendingCandidates())

	// A different candidate from the same peer is kept.
	other := &domain.IceCandidate{
		CallID:    cand.CallID,
		FromUser:  cand.FromUser,
		Candidate: "candidate:2 1 udp 2130706431 192.0.2.2 54322 typ host",
	}
	require.NoError(t, caller.AddCandidate(other))
	assert.Equal(t, 2, caller.PendingCandidates())
}

func TestOfferAnswerExchangeFlushesCandidates(t *testing.T) {
	caller := NewController(Config{Source: StaticSource{}})
	require.NoError(t, caller.Start(context.Background(), domain.CallKindVoice))
	defer caller.Teardown()

	offer, err := caller.CreateOffer(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, offer)

	// The receiver side runs in another process; release the local
	// capture guard before standing it up here.
	require.NoError(t, caller.Teardown())

	receiver := NewController(Config{Source: StaticSource{}})
	require.NoError(t, receiver.Start(context.Background(), domain.CallKindVoice))
	defer receiver.Teardown()

	early := &domain.IceCandidate{
		CallID:    uuid.New(),
		FromUser:  uuid.New(),
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	}
	require.NoError(t, receiver.AddCandidate(early))
	assert.Equal(t, 1, receiver.PendingCandidates())

	answer, err := receiver.AcceptOffer(context.Background(), offer)
	require.NoError(t, err)
	require.NotEmpty(t, answer)
	assert.Zero(t, receiver.PendingCandidates(), "buffered candidates flush once the remote description is set")
}

func TestTeardownIsIdempotent(t *testing.T) {
	c := NewController(Config{Source: StaticSource{}})
	require.NoError(t, c.Start(context.Background(), domain.CallKindVideo))

	require.NoError(t, c.Teardown())
	require.NoError(t, c.Teardown())

	// Operations after teardown fail cleanly instead of panicking.
	_, err := c.CreateOffer(context.Background())
	assert.Error(t, err)
	assert.NoError(t, c.AddCandidate(&domain.IceCandidate{
		FromUser:  uuid.New(),
		Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
	}))
}

func TestTeardownWithoutStart(t *testing.T) {
	c := NewController(Config{Source: StaticSource{}})
	require.NoError(t, c.Teardown())

	// A failed or skipped Start must not leak the capture guard.
	fresh := NewController(Config{Source: StaticSource{}})
	require.NoError(t, fresh.Start(context.Background(), domain.CallKindVoice))
	require.NoError(t, fresh.Teardown())
}

func TestVideoMuteToggles(t *testing.T) {
	c := NewController(Config{Source: StaticSource{}})
	require.NoError(t, c.Start(context.Background(), domain.CallKindVideo))
	defer c.Teardown()

	require.NoError(t, c.SetVideoMuted(true))
	// Repeat is a no-op.
	require.NoError(t, c.SetVideoMuted(true))
	require.NoError(t, c.SwitchCamera())
	require.NoError(t, c.SetVideoMuted(false))

	require.NoError(t, c.SetAudioMuted(true))
	require.NoError(t, c.SetAudioMuted(false))
}
