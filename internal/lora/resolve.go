package lora

import (
	"github.com/maauso/videogen-api/internal/job"
	"github.com/maauso/videogen-api/internal/runpod"
)

const defaultScale = 1.0

// Resolved holds the per-stage LoRAs for a provider request.
type Resolved struct {
	High     []job.LoraSelection
	Low      []job.LoraSelection
	HighWire []runpod.Lora
	LowWire  []runpod.Lora
}

// Active reports whether the LoRA model variant should be used: both stages
// must carry LoRAs and in equal number.
func (r Resolved) Active() bool {
	return len(r.High) > 0 && len(r.High) == len(r.Low)
}

// Resolve applies the same picks to both stages. See ResolveStages.
func Resolve(catalog *Catalog, picks []Pick) Resolved {
	return ResolveStages(catalog, picks, picks)
}

// ResolveStages maps each stage's picks onto catalog weights independently.
// Within a stage duplicate IDs keep the first pick and unknown IDs are
// dropped; a pick whose catalog entry has no weight path for its stage is
// dropped from that stage. When the result is not Active, all lists are
// cleared.
func ResolveStages(catalog *Catalog, high, low []Pick) Resolved {
	var r Resolved
	r.High, r.HighWire = resolveStage(catalog, high, func(e Entry) string { return e.HighNoisePath })
	r.Low, r.LowWire = resolveStage(catalog, low, func(e Entry) string { return e.LowNoisePath })
	if !r.Active() {
		return Resolved{}
	}
	return r
}

func resolveStage(catalog *Catalog, picks []Pick, path func(Entry) string) ([]job.LoraSelection, []runpod.Lora) {
	var (
		sels []job.LoraSelection
		wire []runpod.Lora
	)
	seen := make(map[string]struct{}, len(picks))
	for _, p := range picks {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}

		e, ok := catalog.Get(p.ID)
		if !ok || path(e) == "" {
			continue
		}
		scale := p.Scale
		if scale <= 0 {
			scale = e.DefaultScale
		}
		if scale <= 0 {
			scale = defaultScale
		}
		mode := p.Mode
		if mode == "" {
			mode = job.LoraModeAuto
		}
		sels = append(sels, job.LoraSelection{ID: e.ID, Mode: mode, Scale: scale})
		wire = append(wire, runpod.Lora{Path: path(e), Scale: scale})
	}
	return sels, wire
}
