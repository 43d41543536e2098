package core

import (
	"context"
	"fmt"

	"screencore/internal/events"
	"screencore/internal/isogen"
	"screencore/internal/tickets"
	"screencore/pkg/domain"
)

// GenerateRequest asks for new ISOs of a stored ISO request.
type GenerateRequest struct {
	IsoRequestID string
	// Count defaults to the ISOs still missing from the expected number.
	Count int
	// FloatingPoolSet replaces the floating pools of the request.
	FloatingPoolSet *domain.MoleculeDesignPoolSet
	ExcludedRacks   []string
	RequestedTubes  []string
}

// RescheduleRequest asks for copies of stored ISOs with fresh stock tubes.
type RescheduleRequest struct {
	IsoRequestID   string
	IsoIDs         []string
	ExcludedRacks  []string
	RequestedTubes []string
	// CancelOriginals cancels the copied ISOs in the same transaction.
	CancelOriginals bool
}

// IsoResult is the outcome of GenerateIsos and Reschedule.
type IsoResult struct {
	Isos        []Iso
	StockRacks  []*domain.Rack
	TubeMoves   []isogen.TubeMove
	PlateSpecs  domain.PlateSpecs
	Events      []events.Event
	Attachments []tickets.Attachment
	Result      Result
}

// GenerateIsos creates ISOs for an ISO request and stores them.
func (s *Service) GenerateIsos(ctx context.Context, in GenerateRequest) (*IsoResult, error) {
	out := &IsoResult{}
	err := s.run(ctx, "generate_isos", EntityIsoRequest, func(ctx context.Context) (string, error) {
		req, ok := s.store.GetIsoRequest(in.IsoRequestID)
		if !ok {
			return in.IsoRequestID, ErrNotFound{Entity: EntityIsoRequest, ID: in.IsoRequestID}
		}
		existing := s.store.IsosForRequest(req.ID)
		rec := s.recorder(isogen.StageName)
		count := in.Count
		if count == 0 {
			active := 0
			for _, iso := range existing {
				if iso.Active() {
					active++
				}
			}
			count = req.ExpectedNumberIsos - active
			if count < 1 {
				rec.AddError("ISO request %s already has all %d expected ISOs.", req.Label, req.ExpectedNumberIsos)
				out.Events = rec.Events()
				return req.ID, rec.Err()
			}
		}
		gen := s.generator(rec)
		res, err := gen.Generate(ctx, isogen.Request{
			IsoRequest:      &req,
			FloatingPoolSet: in.FloatingPoolSet,
			ExistingIsos:    existing,
			Count:           count,
			ExcludedRacks:   in.ExcludedRacks,
			RequestedTubes:  in.RequestedTubes,
		})
		if err != nil {
			out.Events = rec.Events()
			return req.ID, err
		}
		err = s.commitIsos(ctx, req, in.FloatingPoolSet, res, nil, out)
		out.Events = rec.Events()
		if err == nil {
			out.Attachments, err = s.attachTransferReport(ctx, req, rec.Events(), res.TubeMoves)
		}
		return req.ID, err
	})
	return out, err
}

// Reschedule creates copies of ISOs with freshly selected stock tubes.
func (s *Service) Reschedule(ctx context.Context, in RescheduleRequest) (*IsoResult, error) {
	out := &IsoResult{}
	err := s.run(ctx, "reschedule_isos", EntityIsoRequest, func(ctx context.Context) (string, error) {
		req, ok := s.store.GetIsoRequest(in.IsoRequestID)
		if !ok {
			return in.IsoRequestID, ErrNotFound{Entity: EntityIsoRequest, ID: in.IsoRequestID}
		}
		copies := make([]Iso, 0, len(in.IsoIDs))
		for _, id := range in.IsoIDs {
			iso, ok := s.store.GetIso(id)
			if !ok {
				return req.ID, ErrNotFound{Entity: EntityIso, ID: id}
			}
			if iso.IsoRequestID != req.ID {
				return req.ID, fmt.Errorf("iso %s does not belong to iso request %s", iso.Label, req.Label)
			}
			copies = append(copies, iso)
		}
		rec := s.recorder(isogen.StageName)
		res, err := s.generator(rec).Reschedule(ctx, isogen.RescheduleRequest{
			IsoRequest:     &req,
			Copies:         copies,
			ExcludedRacks:  in.ExcludedRacks,
			RequestedTubes: in.RequestedTubes,
		})
		if err != nil {
			out.Events = rec.Events()
			return req.ID, err
		}
		var cancel []string
		if in.CancelOriginals {
			cancel = in.IsoIDs
		}
		err = s.commitIsos(ctx, req, nil, res, cancel, out)
		out.Events = rec.Events()
		if err == nil {
			out.Attachments, err = s.attachTransferReport(ctx, req, rec.Events(), res.TubeMoves)
		}
		return req.ID, err
	})
	return out, err
}

func (s *Service) generator(rec *events.Recorder) *isogen.Generator {
	return isogen.NewGenerator(rec, s.catalog, s.barcodes, isogen.Options{
		MinTransferVolume: s.settings.MinTransferVolume,
		PlateSpecs:        s.settings.PlateSpecs,
		User:              s.settings.User,
		Now:               s.now,
	})
}

// commitIsos stores the generated ISOs together with the request series and
// an overriding floating pool set.
func (s *Service) commitIsos(ctx context.Context, req IsoRequest, poolSet *domain.MoleculeDesignPoolSet, res *isogen.Result, cancel []string, out *IsoResult) error {
	var created []Iso
	result, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.UpdateIsoRequest(req.ID, func(r *IsoRequest) error {
			if r.Series == nil {
				r.Series = res.Series
			}
			if poolSet != nil {
				set := *poolSet
				r.PoolSet = &set
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range cancel {
			if _, err := tx.UpdateIso(id, func(iso *Iso) error {
				iso.Status = domain.IsoStatusCancelled
				return nil
			}); err != nil {
				return err
			}
		}
		for _, iso := range res.Isos {
			c, err := tx.CreateIso(*iso)
			if err != nil {
				return err
			}
			created = append(created, c)
		}
		return nil
	})
	out.Result = result
	if err != nil {
		return fmt.Errorf("store isos of %s: %w", req.Label, err)
	}
	out.Isos = created
	out.StockRacks = res.StockRacks
	out.TubeMoves = res.TubeMoves
	out.PlateSpecs = res.PlateSpecs
	return nil
}

func (s *Service) attachTransferReport(ctx context.Context, req IsoRequest, evs []events.Event, moves []isogen.TubeMove) ([]tickets.Attachment, error) {
	if s.uploader == nil || req.TicketNumber <= 0 {
		return nil, nil
	}
	reports, err := tickets.UploadReport(labelOrTicket(req), evs, nil, moves)
	if err != nil {
		return nil, err
	}
	return s.uploader.Upload(ctx, req.TicketNumber, reports...)
}

func labelOrTicket(req IsoRequest) string {
	if req.PlateSetLabel != "" {
		return req.PlateSetLabel + "_isos"
	}
	return req.Label + "_isos"
}
