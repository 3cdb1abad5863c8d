package voice

import (
	"testing"

	"github.com/cwbudde/algo-organ/organ"
	"github.com/cwbudde/algo-organ/sampleasset"
)

func precacheAsset(frameCount, channels, sampleRate int) (*sampleasset.Asset, sampleasset.Handle) {
	asset := &sampleasset.Asset{
		Channels:   channels,
		NativeRate: sampleRate,
		FrameCount: frameCount,
		Full:       make([]float32, frameCount*channels),
	}
	for i := range asset.Full {
		asset.Full[i] = float32(i%7) * 0.1
	}
	return asset, sampleasset.Handle{Asset: asset, Mode: sampleasset.Precache}
}

func TestNewVoiceStartsAtAttack(t *testing.T) {
	asset, handle := precacheAsset(1000, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: -1, LoopEnd: -1}

	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	if v.State() != Attack {
		t.Fatalf("State() = %v, want Attack", v.State())
	}
	if !v.Active() {
		t.Fatal("new voice should be active")
	}
}

func TestUnloopedVoiceDeactivatesAtEnd(t *testing.T) {
	asset, handle := precacheAsset(64, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: -1, LoopEnd: -1}

	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	for i := 0; i < 10 && v.Active(); i++ {
		v.Process(32, nil, nil)
	}
	if v.Active() {
		t.Fatal("voice should have deactivated after exhausting an unlooped sample")
	}
}

func TestLoopedVoiceReachesSustain(t *testing.T) {
	asset, handle := precacheAsset(4096, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: 10, LoopEnd: 100}

	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	v.Process(500, nil, nil)
	if v.State() != Sustain {
		t.Fatalf("State() = %v, want Sustain after crossing LoopStart", v.State())
	}
}

func TestReleaseWithNoReleaseSampleEntersDying(t *testing.T) {
	asset, handle := precacheAsset(4096, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: 10, LoopEnd: 100}
	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	v.Process(500, nil, nil) // reach Sustain

	v.Release(1000, func(id string) (*sampleasset.Asset, sampleasset.Handle, error) {
		return nil, sampleasset.Handle{}, nil
	}, nil)

	if v.State() != Dying {
		t.Fatalf("State() = %v, want Dying (no release sample available)", v.State())
	}
}

func TestReleaseUsesFallbackVariant(t *testing.T) {
	asset, handle := precacheAsset(4096, 1, 48000)
	relAsset, relHandle := precacheAsset(2048, 1, 48000)
	pipe := &organ.Pipe{
		AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: 10, LoopEnd: 100,
		Releases: []organ.ReleaseSample{{AssetID: "short", MaxHoldMS: -1}},
	}
	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	v.Process(500, nil, nil)

	v.Release(48000, func(id string) (*sampleasset.Asset, sampleasset.Handle, error) {
		return relAsset, relHandle, nil
	}, nil)

	if v.State() != Release {
		t.Fatalf("State() = %v, want Release", v.State())
	}
	l, r := v.Process(10, nil, nil)
	if len(l) != 10 || len(r) != 10 {
		t.Fatalf("Process returned %d/%d frames, want 10/10", len(l), len(r))
	}
}

func TestPanicForcesDyingAndEventuallyInactive(t *testing.T) {
	asset, handle := precacheAsset(48000, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: 10, LoopEnd: 1000}
	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())
	v.Process(500, nil, nil)

	v.Panic()
	if v.State() != Dying {
		t.Fatalf("State() = %v, want Dying after Panic", v.State())
	}

	for i := 0; i < 10 && v.Active(); i++ {
		v.Process(DefaultDyingFadeFrames, nil, nil)
	}
	if v.Active() {
		t.Fatal("voice should have deactivated after the dying fade completed")
	}
}

func TestPitchFactorOriginalTuningIgnoresSmallCents(t *testing.T) {
	small := pitchFactor(10, true)
	if small != 1.0 {
		t.Fatalf("pitchFactor(10, originalTuning=true) = %v, want 1.0", small)
	}
	large := pitchFactor(100, true)
	if large == 1.0 {
		t.Fatal("pitchFactor(100, originalTuning=true) should still apply correction above the 20-cent threshold")
	}
}

func TestTrackerDelaySilencesLeadingFrames(t *testing.T) {
	asset, handle := precacheAsset(4096, 1, 48000)
	pipe := &organ.Pipe{AttackAssetID: "a", Gain: 1, Channels: 1, LoopStart: -1, LoopEnd: -1, TrackerDelayFrames: 50}
	v := New(1, pipe, "stop1", 100, 48000, asset, handle, nil, 0, false, DefaultParams())

	l, r := v.Process(20, nil, nil)
	for i := range l {
		if l[i] != 0 || r[i] != 0 {
			t.Fatalf("frame %d should be silent during tracker delay, got l=%v r=%v", i, l[i], r[i])
		}
	}
}
