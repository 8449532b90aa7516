package batch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// Step parameter payloads, keyed the way pipeline editors send them.

type montageStep struct {
	MontageName string `json:"montageName"`
}

type filterStep struct {
	Lowcut  *float64 `json:"lowcut"`
	Highcut *float64 `json:"highcut"`
	Notch   *float64 `json:"notch"`
}

type resampleStep struct {
	SampleRate *float64 `json:"sampleRate"`
}

type rereferenceStep struct {
	Method    string   `json:"method"`
	CustomRef []string `json:"customRef"`
}

type icaStep struct {
	Components struct {
		EyeBlink     bool `json:"eyeBlink"`
		Muscle       bool `json:"muscle"`
		Heart        bool `json:"heart"`
		ChannelNoise bool `json:"channelNoise"`
	} `json:"components"`
	Threshold *float64 `json:"threshold"`
}

type cropStep struct {
	TMin float64  `json:"tmin"`
	TMax *float64 `json:"tmax"`
}

type epochStep struct {
	EventIDs      []int             `json:"eventIds"`
	TMin          *float64          `json:"tmin"`
	TMax          *float64          `json:"tmax"`
	Baseline      *[2]float64       `json:"baseline"`
	Reject        *float64          `json:"reject"`
	EventMappings map[string]string `json:"eventMappings"`
}

type badChannelStep struct {
	Channel string `json:"channel"`
	Bad     *bool  `json:"bad"`
}

// Step defaults.
const (
	defaultMontage    = "standard_1020"
	defaultSampleRate = 250.0
	defaultReference  = "average"
	defaultThreshold  = 0.9
	defaultEpochTMin  = -0.2
	defaultEpochTMax  = 0.8
	defaultReject     = 100.0
)

var defaultBaseline = [2]float64{-0.2, 0}

func decodeParams(params map[string]interface{}, dst interface{}) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: encode params: %w", session.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %w", session.ErrValidation, err)
	}
	return nil
}

// executeStep maps one pipeline step onto the matching session operation,
// which records it in the session history.
func (o *Orchestrator) executeStep(ctx context.Context, id types.SessionID, step types.StepConfig) error {
	switch step.Type {
	case types.StepMontage:
		var p montageStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		if p.MontageName == "" {
			p.MontageName = defaultMontage
		}
		_, _, err := o.sessions.SetMontage(ctx, id, signal.MontageParams{Name: p.MontageName})
		return err

	case types.StepFilter:
		var p filterStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		_, err := o.sessions.ApplyFilter(ctx, id, signal.FilterParams{LowFreq: p.Lowcut, HighFreq: p.Highcut, NotchFreq: p.Notch})
		return err

	case types.StepResample:
		var p resampleStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		rate := defaultSampleRate
		if p.SampleRate != nil {
			rate = *p.SampleRate
		}
		_, err := o.sessions.ApplyResample(ctx, id, signal.ResampleParams{TargetRate: rate})
		return err

	case types.StepRereference:
		var p rereferenceStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		if p.Method == "" {
			p.Method = defaultReference
		}
		_, err := o.sessions.ApplyRereference(ctx, id, signal.RereferenceParams{Method: p.Method, CustomRef: p.CustomRef})
		return err

	case types.StepICA:
		var p icaStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		_, _, err := o.sessions.ApplyArtifactRemoval(ctx, id, p.artifactParams())
		return err

	case types.StepCrop:
		var p cropStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		_, err := o.sessions.Crop(ctx, id, signal.CropParams{TMin: p.TMin, TMax: p.TMax})
		return err

	case types.StepEpoch:
		var p epochStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		if mapping := p.eventMapping(); len(mapping) > 0 {
			// labels are cosmetic; a failed rename does not fail the file
			if _, err := o.sessions.RenameEvents(ctx, id, mapping); err != nil {
				o.log.Warn("Event renaming failed", "sessionID", id, "error", err)
			}
		}
		_, err := o.sessions.CreateEpochs(ctx, id, p.epochParams())
		return err

	case types.StepBadChannel:
		var p badChannelStep
		if err := decodeParams(step.Params, &p); err != nil {
			return err
		}
		bad := true
		if p.Bad != nil {
			bad = *p.Bad
		}
		_, err := o.sessions.SetBadChannel(ctx, id, p.Channel, bad)
		return err
	}
	return fmt.Errorf("%w: unknown step type %q", session.ErrValidation, step.Type)
}

func (p icaStep) artifactParams() signal.ArtifactParams {
	out := signal.ArtifactParams{Threshold: defaultThreshold}
	if p.Threshold != nil {
		out.Threshold = *p.Threshold
	}
	c := p.Components
	for _, sel := range []struct {
		on    bool
		label string
	}{
		{c.EyeBlink, "eyeBlink"},
		{c.Muscle, "muscle"},
		{c.Heart, "heart"},
		{c.ChannelNoise, "channelNoise"},
	} {
		if sel.on {
			out.ExcludeLabels = append(out.ExcludeLabels, sel.label)
		}
	}
	return out
}

func (p epochStep) epochParams() signal.EpochParams {
	out := signal.EpochParams{
		EventIDs: p.EventIDs,
		TMin:     defaultEpochTMin,
		TMax:     defaultEpochTMax,
	}
	if p.TMin != nil {
		out.TMin = *p.TMin
	}
	if p.TMax != nil {
		out.TMax = *p.TMax
	}
	baseline := defaultBaseline
	if p.Baseline != nil {
		baseline = *p.Baseline
	}
	out.Baseline = &baseline
	reject := defaultReject
	if p.Reject != nil {
		reject = *p.Reject
	}
	out.RejectThreshold = &reject
	return out
}

// eventMapping converts "code" → label pairs; keys that are not event codes
// are ignored.
func (p epochStep) eventMapping() map[int]string {
	out := make(map[int]string, len(p.EventMappings))
	for k, v := range p.EventMappings {
		code, err := strconv.Atoi(k)
		if err != nil || v == "" {
			continue
		}
		out[code] = v
	}
	return out
}
