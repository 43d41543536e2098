package tickets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

const deliveryDateLayout = "02.01.2006"

// StockVolume is the stock solution a pool (or floating placeholder) needs
// for the whole request. Volumes are in µL.
type StockVolume struct {
	Pool          string  `csv:"molecule_design_pool"`
	Positions     int     `csv:"positions"`
	Concentration float64 `csv:"stock_concentration"`
	VolumePerIso  float64 `csv:"volume_per_iso"`
	TotalVolume   float64 `csv:"total_volume"`
}

// VolumeSummary aggregates the required stock volumes.
type VolumeSummary struct {
	Total   float64
	Largest float64
	Mean    float64
}

// RequiredStockVolumes lists the stock volume each pool of the ISO layout
// consumes. Fixed pools occur in every ISO; each floating placeholder is
// filled once per ISO with a different pool, so its total equals the
// per-ISO volume.
func RequiredStockVolumes(req domain.IsoRequest, pools map[int]domain.MoleculeDesignPool) ([]StockVolume, error) {
	layout, err := transfection.FromRackLayout(req.IsoLayout)
	if err != nil {
		return nil, fmt.Errorf("read iso layout: %w", err)
	}
	layout.AttachPools(pools)
	aliquots := float64(max(req.NumberAliquots, 1))
	isos := float64(max(req.ExpectedNumberIsos, 1))
	fallback := domain.MoleculeTypeSIRNA.DefaultStockConcentration()
	if req.PoolSet != nil && req.PoolSet.MoleculeType != "" {
		fallback = req.PoolSet.MoleculeType.DefaultStockConcentration()
	}

	byKey := make(map[string]*StockVolume)
	fixed := make(map[string]bool)
	var keys []string
	for _, p := range layout.Positions() {
		if p.Type != transfection.PositionFixed && p.Type != transfection.PositionFloating {
			continue
		}
		if !p.IsoVolume.Valid || !p.IsoConcentration.Valid {
			continue
		}
		stock := fallback
		if p.Pool != nil && p.Pool.DefaultStockConcentration > 0 {
			stock = p.Pool.DefaultStockConcentration
		}
		key := p.PoolValue()
		if p.Type == transfection.PositionFloating {
			key = p.Placeholder
		} else {
			fixed[key] = true
		}
		sv, ok := byKey[key]
		if !ok {
			sv = &StockVolume{Pool: key, Concentration: stock}
			byKey[key] = sv
			keys = append(keys, key)
		}
		sv.Positions++
		sv.VolumePerIso += p.IsoVolume.Float64 * p.IsoConcentration.Float64 / stock * aliquots
	}
	sort.Strings(keys)
	out := make([]StockVolume, 0, len(keys))
	for _, k := range keys {
		sv := byKey[k]
		sv.VolumePerIso = roundVolume(sv.VolumePerIso)
		sv.TotalVolume = sv.VolumePerIso
		if fixed[k] {
			sv.TotalVolume = roundVolume(sv.VolumePerIso * isos)
		}
		out = append(out, *sv)
	}
	return out, nil
}

// SummariseVolumes returns the total, largest and mean total volume.
func SummariseVolumes(volumes []StockVolume) (VolumeSummary, error) {
	if len(volumes) == 0 {
		return VolumeSummary{}, nil
	}
	data := make(stats.Float64Data, len(volumes))
	for i, v := range volumes {
		data[i] = v.TotalVolume
	}
	total, err := data.Sum()
	if err != nil {
		return VolumeSummary{}, err
	}
	largest, err := data.Max()
	if err != nil {
		return VolumeSummary{}, err
	}
	mean, err := data.Mean()
	if err != nil {
		return VolumeSummary{}, err
	}
	return VolumeSummary{Total: roundVolume(total), Largest: roundVolume(largest), Mean: roundVolume(mean)}, nil
}

func roundVolume(v float64) float64 {
	r, err := stats.Round(v, 1)
	if err != nil {
		return v
	}
	return r
}

// DescriptionInput is the entity graph a ticket description is built from.
// Request may be nil for types without an ISO request.
type DescriptionInput struct {
	Metadata domain.ExperimentMetadata
	Request  *domain.IsoRequest
	Pools    map[int]domain.MoleculeDesignPool
}

// BuildDescription renders the ticket text of an experiment metadata upload.
func BuildDescription(in DescriptionInput) (string, error) {
	md := in.Metadata
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment metadata: %s\n", md.Label)
	fmt.Fprintf(&b, "Type: %s\n", md.Type)
	if md.Subproject != "" {
		fmt.Fprintf(&b, "Subproject: %s\n", md.Subproject)
	}
	fmt.Fprintf(&b, "Number of replicates: %d\n", md.NumberReplicates)
	if md.Design != nil {
		fmt.Fprintf(&b, "Experiment design: %d %s racks\n", len(md.Design.Racks), md.Design.Shape)
	}
	if md.PoolSet != nil {
		fmt.Fprintf(&b, "Floating pool set: %d %s pools\n", md.PoolSet.Len(), md.PoolSet.MoleculeType)
	}

	req := in.Request
	if req == nil {
		return b.String(), nil
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "ISO request: %s\n", req.Label)
	fmt.Fprintf(&b, "Plate set label: %s\n", req.PlateSetLabel)
	fmt.Fprintf(&b, "Number of ISOs: %d\n", req.ExpectedNumberIsos)
	fmt.Fprintf(&b, "Number of aliquots: %d\n", req.NumberAliquots)
	if lab := req.Lab; lab != nil {
		if lab.DeliveryDate.Valid {
			fmt.Fprintf(&b, "Delivery date: %s\n", lab.DeliveryDate.Time.Format(deliveryDateLayout))
		}
		if lab.Comment.Valid && lab.Comment.String != "" {
			fmt.Fprintf(&b, "Comment: %s\n", lab.Comment.String)
		}
	}

	summary, err := layoutSummary(req.IsoLayout)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "ISO plate layout (%s): %s\n", req.IsoLayout.Shape, summary)

	volumes, err := RequiredStockVolumes(*req, in.Pools)
	if err != nil {
		return "", err
	}
	if len(volumes) == 0 {
		return b.String(), nil
	}
	b.WriteString("\nRequired stock volumes:\n")
	for _, v := range volumes {
		fmt.Fprintf(&b, "  %s: %.1f µl (%d positions, %.1f µl per ISO)\n", v.Pool, v.TotalVolume, v.Positions, v.VolumePerIso)
	}
	totals, err := SummariseVolumes(volumes)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "Total: %.1f µl, largest: %.1f µl, mean: %.1f µl\n", totals.Total, totals.Largest, totals.Mean)
	return b.String(), nil
}

// layoutSummary counts the positions of each type, e.g. "3 fixed, 1 mock".
func layoutSummary(rl domain.RackLayout) (string, error) {
	layout, err := transfection.FromRackLayout(rl)
	if err != nil {
		return "", fmt.Errorf("read iso layout: %w", err)
	}
	order := []transfection.PositionType{
		transfection.PositionFixed, transfection.PositionFloating, transfection.PositionLibrary,
		transfection.PositionMock, transfection.PositionUntreated, transfection.PositionUntransfected,
	}
	var parts []string
	for _, t := range order {
		if n := len(layout.PositionsOfType(t)); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, t))
		}
	}
	if len(parts) == 0 {
		return "empty", nil
	}
	return strings.Join(parts, ", "), nil
}
