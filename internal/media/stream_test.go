package media

import (
	"context"
	"testing"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticCapture(t *testing.T) {
	ctx := context.Background()
	audio, err := Synthetic{}.Capture(ctx, KindAudio, "s1")
	require.NoError(t, err)
	video, err := Synthetic{}.Capture(ctx, KindVideo, "s1")
	require.NoError(t, err)

	assert.Equal(t, KindAudio, audio.Kind())
	assert.Equal(t, "s1", video.Local().StreamID())
	assert.True(t, audio.Enabled())

	s := NewStream("s1", audio, video)
	assert.True(t, s.HasVideo())
	assert.Len(t, s.TracksOf(KindAudio), 1)

	s.Stop()
	assert.True(t, audio.Stopped())
	assert.ErrorIs(t, audio.WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond}), ErrTrackStopped)
}

func TestSyntheticFailures(t *testing.T) {
	ctx := context.Background()
	_, err := Synthetic{NoCamera: true}.Capture(ctx, KindVideo, "s")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = Synthetic{NoMicrophone: true}.Capture(ctx, KindAudio, "s")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = Synthetic{Denied: true}.Capture(ctx, KindAudio, "s")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestMutedTrackDropsSamples(t *testing.T) {
	tr, err := Synthetic{}.Capture(context.Background(), KindAudio, "s")
	require.NoError(t, err)
	tr.SetEnabled(false)
	assert.NoError(t, tr.WriteSample(pionmedia.Sample{Data: []byte{1}, Duration: 20 * time.Millisecond}))
	assert.False(t, tr.Enabled())
}
