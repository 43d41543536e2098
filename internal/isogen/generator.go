// Package isogen materialises ISOs for an ISO request: it derives the
// preparation layout, selects stock tubes for fixed and floating pools,
// bundles floating pools into ISO batches and plans the worklist series.
package isogen

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"screencore/internal/catalog"
	"screencore/internal/events"
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// StageName labels the events of this stage.
const StageName = "iso generation"

// Request asks for new ISOs of an ISO request.
type Request struct {
	IsoRequest *domain.IsoRequest
	// FloatingPoolSet overrides the pool set of the ISO request.
	FloatingPoolSet *domain.MoleculeDesignPoolSet
	// ExistingIsos are the ISOs already created for the request.
	ExistingIsos   []domain.Iso
	Count          int
	ExcludedRacks  []string
	RequestedTubes []string
}

// RescheduleRequest asks for copies of existing ISOs with fresh tubes.
type RescheduleRequest struct {
	IsoRequest     *domain.IsoRequest
	Copies         []domain.Iso
	ExcludedRacks  []string
	RequestedTubes []string
}

// Result holds the generated ISOs.
type Result struct {
	Isos              []*domain.Iso
	PreparationLayout *PrepLayout
	PlateSpecs        domain.PlateSpecs
	Series            *domain.WorklistSeries
	StockRacks        []*domain.Rack
	TubeMoves         []TubeMove
}

// Options configure a Generator.
type Options struct {
	MinTransferVolume float64
	// PlateSpecs overrides the volumes of the standard plate specs by name.
	PlateSpecs map[string]domain.PlateSpecs
	User       string
	Now        func() time.Time
}

// Generator creates and reschedules ISOs.
type Generator struct {
	rec      *events.Recorder
	stock    StockSource
	barcodes BarcodeSource
	opts     Options
}

// NewGenerator returns a generator recording on rec.
func NewGenerator(rec *events.Recorder, stock StockSource, barcodes BarcodeSource, opts Options) *Generator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{rec: rec, stock: stock, barcodes: barcodes, opts: opts}
}

// plan is the shared state of Generate and Reschedule.
type plan struct {
	req       *domain.IsoRequest
	expType   domain.ExperimentType
	layout    *transfection.Layout
	finder    Finder
	prep      *PrepLayout
	specs     domain.PlateSpecs
	markers   []string
	floatings int
}

// Generate creates up to req.Count ISOs.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Count < 1 {
		g.rec.AddError("The number of ISOs to generate must be positive (obtained: %d).", req.Count)
		return nil, g.rec.Err()
	}
	p, err := g.prepare(ctx, req.IsoRequest, nil)
	if err != nil {
		return nil, err
	}
	count := req.Count
	if p.floatings == 0 && count > 1 {
		g.rec.AddWarning("The ISO layout has no floating positions. Only one ISO is generated instead of %d.", count)
		count = 1
	}
	queue := domain.MoleculeDesignPoolSet{}
	if p.floatings > 0 {
		set := req.FloatingPoolSet
		if set == nil {
			set = req.IsoRequest.PoolSet
		}
		if set == nil || set.Len() == 0 {
			g.rec.AddError("The ISO request %s has floating positions but no floating pool set.", req.IsoRequest.Label)
			return nil, g.rec.Err()
		}
		queue = set.Minus(consumedPools(req.ExistingIsos))
		if queue.Len() == 0 {
			g.rec.AddError("All floating pools of ISO request %s are already used by other ISOs.", req.IsoRequest.Label)
			return nil, g.rec.Err()
		}
	}
	prefix := labelPrefix(req.IsoRequest)
	latest := latestIsoNumber(req.ExistingIsos)
	labels := make([]string, count)
	for i := range labels {
		labels[i] = fmt.Sprintf("%s_iso%d", prefix, latest+i+1)
	}
	assign := func(candidates []catalog.StockTube, needs stockNeeds, requested map[string]struct{}) floatingBatches {
		return selectFloating(candidates, queue, needs, requested, p.markers, labels)
	}
	return g.materialise(ctx, p, queue, labels, req.ExcludedRacks, req.RequestedTubes, assign)
}

// Reschedule creates one copy per ISO in req.Copies. The copies reuse the
// preparation plate specs of the originals and their pools.
func (g *Generator) Reschedule(ctx context.Context, req RescheduleRequest) (*Result, error) {
	if len(req.Copies) == 0 {
		g.rec.AddError("There are no ISOs to reschedule.")
		return nil, g.rec.Err()
	}
	var specsName string
	listed := make(map[string]struct{}, len(req.Copies))
	for _, iso := range req.Copies {
		if _, dup := listed[iso.Label]; dup {
			g.rec.AddError("ISO %s is listed twice.", iso.Label)
			continue
		}
		listed[iso.Label] = struct{}{}
		if iso.PreparationPlate == nil {
			g.rec.AddError("ISO %s has no preparation plate.", iso.Label)
			continue
		}
		if specsName == "" {
			specsName = iso.PreparationPlate.SpecsName
		} else if iso.PreparationPlate.SpecsName != specsName {
			g.rec.AddError("The ISOs to reschedule have different preparation plate specs (%s and %s).", specsName, iso.PreparationPlate.SpecsName)
		}
	}
	if g.rec.HasErrors() {
		return nil, g.rec.Err()
	}
	specs, ok := domain.PlateSpecsByName(specsName)
	if !ok {
		g.rec.AddError("Unknown preparation plate specs %q.", specsName)
		return nil, g.rec.Err()
	}
	p, err := g.prepare(ctx, req.IsoRequest, &specs)
	if err != nil {
		return nil, err
	}
	queue := domain.MoleculeDesignPoolSet{}
	copies := make([]isoBatch, len(req.Copies))
	labels := make([]string, len(req.Copies))
	for i, iso := range req.Copies {
		labels[i] = iso.Label + "_copy"
		copies[i] = isoBatch{Label: labels[i]}
		if iso.PoolSet == nil {
			continue
		}
		if queue, err = queue.Union(*iso.PoolSet); err != nil {
			g.rec.AddError("Cannot merge the pools of the ISOs to reschedule: %v", err)
			return nil, g.rec.Err()
		}
		if copies[i].Picks, err = copyPicks(iso, p.markers); err != nil {
			g.rec.AddError("Cannot read the floating positions of ISO %s: %v", iso.Label, err)
			return nil, g.rec.Err()
		}
	}
	if p.floatings > 0 && queue.Len() == 0 {
		g.rec.AddError("The ISOs to reschedule have no floating pools.")
		return nil, g.rec.Err()
	}
	assign := func(candidates []catalog.StockTube, needs stockNeeds, requested map[string]struct{}) floatingBatches {
		return selectCopies(candidates, copies, needs, requested)
	}
	return g.materialise(ctx, p, queue, labels, req.ExcludedRacks, req.RequestedTubes, assign)
}

// copyPicks returns the pools of iso at the placeholders they filled. Pools
// the preparation layout does not place fill the remaining markers in pool
// ID order.
func copyPicks(iso domain.Iso, markers []string) ([]floatingPick, error) {
	known := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		known[m] = struct{}{}
	}
	placed := make(map[string]int)
	if len(iso.PreparationLayout.TaggedSets) > 0 {
		prep, err := PrepLayoutFromRackLayout(iso.PreparationLayout)
		if err != nil {
			return nil, err
		}
		for _, pp := range prep.Positions() {
			if _, ok := known[pp.Placeholder]; ok && pp.Type == transfection.PositionFloating && pp.PoolID > 0 && iso.PoolSet.Contains(pp.PoolID) {
				placed[pp.Placeholder] = pp.PoolID
			}
		}
	}
	used := make(map[int]struct{}, len(placed))
	for _, id := range placed {
		used[id] = struct{}{}
	}
	var rest []domain.MoleculeDesignPool
	for _, pool := range iso.PoolSet.Pools {
		if _, ok := used[pool.ID]; !ok {
			rest = append(rest, pool)
		}
	}
	var picks []floatingPick
	for _, marker := range markers {
		id, ok := placed[marker]
		if !ok {
			if len(rest) == 0 {
				continue
			}
			picks = append(picks, floatingPick{Marker: marker, Pool: rest[0]})
			rest = rest[1:]
			continue
		}
		pool, _ := iso.PoolSet.Find(id)
		picks = append(picks, floatingPick{Marker: marker, Pool: pool})
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%d pools exceed the %d floating placeholders", len(rest), len(markers))
	}
	return picks, nil
}

func (g *Generator) prepare(ctx context.Context, req *domain.IsoRequest, forced *domain.PlateSpecs) (*plan, error) {
	if req == nil {
		g.rec.AddError("There is no ISO request.")
		return nil, g.rec.Err()
	}
	if req.Lab == nil {
		g.rec.AddError("ISO request %s is not a lab ISO request.", req.Label)
		return nil, g.rec.Err()
	}
	layout, err := transfection.FromRackLayout(req.IsoLayout)
	if err != nil {
		g.rec.AddError("Error when trying to convert ISO layout: %v", err)
		return nil, g.rec.Err()
	}
	fixed := layout.FixedPoolIDs()
	if len(fixed) == 0 {
		g.rec.AddError("The ISO layout of %s has no fixed positions.", req.Label)
		return nil, g.rec.Err()
	}
	pools, err := g.stock.PoolsByID(ctx, fixed)
	if err != nil {
		return nil, fmt.Errorf("load fixed pools: %w", err)
	}
	if missing := layout.AttachPools(pools); len(missing) > 0 {
		g.rec.AddError("The following molecule design pool IDs are unknown: %s.", joinInts(missing))
		return nil, g.rec.Err()
	}
	finder, err := FinderFor(layout.Shape)
	if err != nil {
		g.rec.AddError("%v", err)
		return nil, g.rec.Err()
	}
	finder = WithPlateSpecs(finder, g.opts.PlateSpecs)
	floatingConc := 0.0
	if req.PoolSet != nil && req.PoolSet.Len() > 0 {
		floatingConc = req.PoolSet.Pools[0].DefaultStockConcentration
	}
	prep, specs, err := finder.Find(layout, FinderParams{
		ExperimentType:             req.Lab.ExperimentType,
		NumberAliquots:             req.NumberAliquots,
		FloatingStockConcentration: floatingConc,
		MinTransferVolume:          g.opts.MinTransferVolume,
		ForcedSpecs:                forced,
	})
	if err != nil {
		g.rec.AddError("Error when trying to determine preparation layout: %v", err)
		return nil, g.rec.Err()
	}
	var compounds []string
	for _, pp := range prep.Positions() {
		if pp.Type == transfection.PositionFixed && pp.Pool != nil && pp.Pool.MoleculeType == domain.MoleculeTypeCompound {
			compounds = append(compounds, strconv.Itoa(pp.PoolID))
		}
	}
	if len(compounds) > 0 {
		g.rec.AddWarning("The stock concentration of compounds is assumed to be the default stock concentration. Please check the stock concentration of pools %s.", strings.Join(uniqueStrings(compounds), ", "))
	}
	markers := layout.FloatingMarkers()
	return &plan{
		req:       req,
		expType:   req.Lab.ExperimentType,
		layout:    layout,
		finder:    finder,
		prep:      prep,
		specs:     specs,
		markers:   markers,
		floatings: len(markers),
	}, nil
}

func (g *Generator) materialise(ctx context.Context, p *plan, queue domain.MoleculeDesignPoolSet, labels []string, excluded, requestedTubes []string, assign func([]catalog.StockTube, stockNeeds, map[string]struct{}) floatingBatches) (*Result, error) {
	count := len(labels)
	needs := computeNeeds(p.prep, count)
	requested := make(map[string]struct{}, len(requestedTubes))
	for _, b := range requestedTubes {
		requested[b] = struct{}{}
	}
	fixedIDs := p.layout.FixedPoolIDs()
	candidates, err := queryCandidates(ctx, g.stock, p.layout.Shape, needs, fixedIDs, queue.IDs(), excluded)
	if err != nil {
		return nil, err
	}
	fixed, missing := selectFixed(candidates, needs, requested)
	if len(missing) > 0 {
		g.rec.AddError("Could not find suitable stock tubes for the following fixed molecule design pools: %s.", joinInts(missing))
		return nil, g.rec.Err()
	}
	batches := floatingBatches{}
	if p.floatings > 0 {
		batches = assign(candidates, needs, requested)
		if len(batches.Missing) > 0 {
			g.rec.AddWarning("Could not find suitable stock tubes for the following floating molecule design pools: %s.", joinInts(batches.Missing))
		}
		if len(batches.Batches) == 0 {
			g.rec.AddError("There are no floating molecule design pools left that could be used for new ISOs.")
			return nil, g.rec.Err()
		}
		for _, label := range batches.Partial {
			g.rec.AddWarning("ISO %s is only partially filled.", label)
		}
		if len(batches.Unused) > 0 {
			g.rec.AddWarning("%d floating molecule design pools remain unused: %s.", len(batches.Unused), joinInts(batches.Unused))
		}
		if !batches.Complete {
			g.rec.AddWarning("Only %d of %d requested ISOs could be generated.", len(batches.Batches), count)
		}
	} else {
		for _, label := range labels {
			batches.Batches = append(batches.Batches, isoBatch{Label: label})
		}
	}

	pipetting := p.finder.Pipetting()
	manual := p.expType == domain.ExperimentTypeManual
	if manual {
		pipetting = domain.PipettingSpecsManual
	}
	prefix := labelPrefix(p.req)
	series := p.req.Series
	if series == nil {
		if series, err = BuildSeries(prefix, p.prep, pipetting, !manual); err != nil {
			g.rec.AddError("Error when trying to generate the ISO worklist series: %v", err)
			return nil, g.rec.Err()
		}
		p.req.Series = series
	}

	stock, err := newStockArranger(p.prep, g.barcodes)
	if err != nil {
		g.rec.AddError("Error when trying to arrange the stock racks: %v", err)
		return nil, g.rec.Err()
	}
	fixedRack, err := stock.newRack(ctx, prefix+"_fixed_stock")
	if err != nil {
		g.rec.AddError("Error when trying to create the fixed pool stock rack: %v", err)
		return nil, g.rec.Err()
	}
	now := g.opts.Now()
	out := &Result{PreparationLayout: p.prep, PlateSpecs: p.specs, Series: series}
	for _, batch := range batches.Batches {
		iso, err := g.buildIso(ctx, p, batch, fixed, stock, fixedRack, now)
		if err != nil {
			g.rec.AddError("Error when trying to create ISO %s: %v", batch.Label, err)
			return nil, g.rec.Err()
		}
		out.Isos = append(out.Isos, iso)
	}
	out.StockRacks = stock.racks
	out.TubeMoves = stock.moves
	g.rec.AddInfo("Generated %d ISOs for ISO request %s (preparation plate specs %s).", len(out.Isos), p.req.Label, p.specs.Name)
	return out, nil
}

// buildIso creates one ISO of batch. The fixed pool tubes go into the shared
// fixedRack, the floating pool tubes into a stock rack of the ISO.
func (g *Generator) buildIso(ctx context.Context, p *plan, batch isoBatch, fixed map[int]catalog.StockTube, stock *stockArranger, fixedRack *domain.Rack, now time.Time) (*domain.Iso, error) {
	label := batch.Label
	placeholders := make(map[string]floatingPick, len(batch.Picks))
	for _, pick := range batch.Picks {
		placeholders[pick.Marker] = pick
	}
	layout := p.layout.Clone()
	prep := p.prep.Clone()
	for _, pos := range layout.PositionsOfType(transfection.PositionFloating) {
		pick, ok := placeholders[pos.Placeholder]
		if !ok {
			layout.Remove(pos.Position)
			prep.Remove(pos.Position)
			continue
		}
		pool := pick.Pool
		pos.PoolID = pool.ID
		pos.Pool = &pool
	}
	for _, pp := range prep.Positions() {
		var tube catalog.StockTube
		switch pp.Type {
		case transfection.PositionFixed:
			tube = fixed[pp.PoolID]
		case transfection.PositionFloating:
			pick := placeholders[pp.Placeholder]
			pool := pick.Pool
			pp.PoolID = pool.ID
			pp.Pool = &pool
			tube = pick.Tube
		default:
			continue
		}
		pp.TubeBarcode = tube.Barcode
		pp.StockRackBarcode = tube.RackBarcode
		pp.TubePosition = tube.Position
	}
	pools := make([]domain.MoleculeDesignPool, 0, len(batch.Picks))
	for _, pick := range batch.Picks {
		pools = append(pools, pick.Pool)
	}

	isoLayout, err := layout.ToRackLayout(g.opts.User, now)
	if err != nil {
		return nil, err
	}
	prepLayout, err := prep.ToRackLayout(g.opts.User, now)
	if err != nil {
		return nil, err
	}
	iso := &domain.Iso{
		Label:             label,
		Status:            domain.IsoStatusQueued,
		IsoRequestID:      p.req.ID,
		Layout:            isoLayout,
		PreparationLayout: prepLayout,
		CreatedAt:         now,
	}
	if len(pools) > 0 {
		set, err := domain.NewMoleculeDesignPoolSet(pools[0].MoleculeType, pools...)
		if err != nil {
			return nil, err
		}
		iso.PoolSet = &set
	}

	manual := p.expType == domain.ExperimentTypeManual
	prepLabel := label + "_prep"
	if manual && p.req.PlateSetLabel != "" {
		prepLabel = p.req.PlateSetLabel
	}
	if iso.PreparationPlate, err = g.newPlate(ctx, prepLabel, p.specs); err != nil {
		return nil, err
	}
	if !manual {
		aliquots := p.req.NumberAliquots
		if aliquots < 1 {
			aliquots = 1
		}
		for i := 1; i <= aliquots; i++ {
			plate, err := g.newPlate(ctx, fmt.Sprintf("%s_a%d", label, i), p.finder.AliquotSpecs())
			if err != nil {
				return nil, err
			}
			iso.AliquotPlates = append(iso.AliquotPlates, plate)
		}
	}
	if err := stock.arrange(labelPrefix(p.req), prep, transfection.PositionFixed, fixedRack); err != nil {
		return nil, err
	}
	iso.StockRacks = append(prep.StockRacks(), fixedRack.Barcode)
	if len(batch.Picks) > 0 {
		rack, err := stock.newRack(ctx, label+"_stock")
		if err != nil {
			return nil, err
		}
		if err := stock.arrange(label, prep, transfection.PositionFloating, rack); err != nil {
			return nil, err
		}
		iso.StockRacks = append(iso.StockRacks, rack.Barcode)
	}
	return iso, nil
}

func (g *Generator) newPlate(ctx context.Context, label string, specs domain.PlateSpecs) (*domain.Rack, error) {
	barcode, err := g.barcodes.NextRackBarcode(ctx)
	if err != nil {
		return nil, fmt.Errorf("issue barcode for %s: %w", label, err)
	}
	return domain.NewPlate(barcode, label, specs)
}

func consumedPools(isos []domain.Iso) map[int]struct{} {
	out := make(map[int]struct{})
	for _, iso := range isos {
		if !iso.Active() || iso.PoolSet == nil {
			continue
		}
		for _, id := range iso.PoolSet.IDs() {
			out[id] = struct{}{}
		}
	}
	return out
}

var isoNumberPattern = regexp.MustCompile(`_iso([0-9]+)(_copy)*$`)

func latestIsoNumber(isos []domain.Iso) int {
	latest := 0
	for _, iso := range isos {
		m := isoNumberPattern.FindStringSubmatch(iso.Label)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > latest {
			latest = n
		}
	}
	return latest
}

func labelPrefix(req *domain.IsoRequest) string {
	if req.TicketNumber > 0 {
		return strconv.Itoa(req.TicketNumber)
	}
	return req.Label
}

func joinInts(ids []int) string {
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
