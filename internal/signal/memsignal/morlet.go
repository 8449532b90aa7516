package memsignal

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ChuLiYu/eegflow/internal/signal"
)

// Morlet convolves every selected epoch and channel with complex Morlet
// wavelets, applies the per-epoch baseline and returns the summed power.
func (b *Backend) Morlet(ctx context.Context, epochs signal.Epochs, req signal.MorletRequest) (*signal.PowerBatch, error) {
	if err := b.enter("morlet"); err != nil {
		return nil, err
	}
	es, err := asEpochSet(epochs)
	if err != nil {
		return nil, err
	}
	if len(req.Freqs) == 0 {
		return nil, fmt.Errorf("no frequencies requested")
	}
	if req.NCycles <= 0 {
		return nil, fmt.Errorf("n_cycles must be positive, got %g", req.NCycles)
	}
	decim := req.Decim
	if decim < 1 {
		decim = 1
	}

	allTimes := es.times()
	var times []float64
	var keep []int
	for i := 0; i < len(allTimes); i += decim {
		times = append(times, allTimes[i])
		keep = append(keep, i)
	}

	var blo, bhi int
	if req.Baseline != nil {
		blo, bhi = -1, -1
		for i, t := range times {
			if t >= req.Baseline[0]-1e-9 && t <= req.Baseline[1]+1e-9 {
				if blo < 0 {
					blo = i
				}
				bhi = i
			}
		}
		if blo < 0 {
			return nil, fmt.Errorf("baseline [%g, %g] selects no samples", req.Baseline[0], req.Baseline[1])
		}
	}

	wavelets := make([][]complex128, len(req.Freqs))
	for fi, f := range req.Freqs {
		wavelets[fi] = morletWavelet(f, req.NCycles, es.rate)
	}

	out := &signal.PowerBatch{
		Sum:   make([][][]float64, len(req.Picks)),
		Times: times,
	}
	for pi := range req.Picks {
		out.Sum[pi] = make([][]float64, len(req.Freqs))
		for fi := range req.Freqs {
			out.Sum[pi][fi] = make([]float64, len(times))
		}
	}

	for _, ei := range req.Epochs {
		if ei < 0 || ei >= len(es.data) {
			return nil, fmt.Errorf("epoch index %d out of range", ei)
		}
		for pi, ch := range req.Picks {
			if ch < 0 || ch >= len(es.channels) {
				return nil, fmt.Errorf("channel index %d out of range", ch)
			}
			x := es.data[ei][ch]
			for fi, w := range wavelets {
				power := convolvePower(x, w, keep)
				if req.Baseline != nil {
					if err := applyBaseline(power, blo, bhi, req.BaselineMode); err != nil {
						return nil, err
					}
				}
				floats.Add(out.Sum[pi][fi], power)
			}
		}
		out.Count++
	}
	return out, nil
}

// morletWavelet returns a unit-energy complex Morlet wavelet sampled at rate.
func morletWavelet(freq, nCycles, rate float64) []complex128 {
	sigma := nCycles / (2 * math.Pi * freq)
	half := int(math.Ceil(5 * sigma * rate))
	w := make([]complex128, 2*half+1)
	energy := 0.0
	for k := range w {
		t := float64(k-half) / rate
		env := math.Exp(-t * t / (2 * sigma * sigma))
		phase := 2 * math.Pi * freq * t
		w[k] = complex(env*math.Cos(phase), env*math.Sin(phase))
		energy += env * env
	}
	norm := complex(1/math.Sqrt(energy), 0)
	for k := range w {
		w[k] *= norm
	}
	return w
}

// convolvePower evaluates |x * w|^2 at the sample positions in keep, with
// zero padding at the edges.
func convolvePower(x []float64, w []complex128, keep []int) []float64 {
	half := len(w) / 2
	out := make([]float64, len(keep))
	for oi, i := range keep {
		var acc complex128
		for k, wk := range w {
			j := i + k - half
			if j < 0 || j >= len(x) {
				continue
			}
			acc += complex(x[j], 0) * wk
		}
		out[oi] = real(acc)*real(acc) + imag(acc)*imag(acc)
	}
	return out
}

// applyBaseline rescales p in place against its mean over [lo, hi].
func applyBaseline(p []float64, lo, hi int, mode string) error {
	window := p[lo : hi+1]
	mean, std := stat.MeanStdDev(window, nil)
	if len(window) < 2 {
		std = 0
	}
	for i, v := range p {
		switch mode {
		case "mean":
			p[i] = v - mean
		case "ratio":
			p[i] = safeDiv(v, mean)
		case "logratio", "":
			if r := safeDiv(v, mean); r > 0 {
				p[i] = math.Log10(r)
			} else {
				p[i] = 0
			}
		case "percent":
			p[i] = safeDiv(v-mean, mean)
		case "zscore":
			p[i] = safeDiv(v-mean, std)
		default:
			return fmt.Errorf("unknown baseline mode %q", mode)
		}
	}
	return nil
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
