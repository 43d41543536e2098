package core

import (
	"context"
	"fmt"
	"strings"

	"screencore/internal/catalog"
	"screencore/internal/events"
	"screencore/internal/library"
	"screencore/internal/poolcreation"
	"screencore/internal/tickets"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// PoolCreationRequest asks for a pool stock sample creation request built
// from a library member workbook. A "Base Layout" sheet, when present,
// determines the number of library plates.
type PoolCreationRequest struct {
	Label               string
	Data                []byte
	Workbook            workbook.Workbook
	NumberDesigns       int
	MoleculeType        domain.MoleculeType
	TargetVolume        float64
	TargetConcentration float64
	// StockConcentration of the single design stocks (nM).
	StockConcentration float64
	CreateMissingPools bool
	TicketNumber       int
}

// PoolCreationResult is the outcome of CreatePools.
type PoolCreationResult struct {
	IsoRequest  IsoRequest
	PoolSet     domain.MoleculeDesignPoolSet
	Plan        *poolcreation.Plan
	Library     *library.Library
	Events      []events.Event
	Attachments []tickets.Attachment
	Result      Result
}

// CreatePools parses library members, plans the pool creation worklists and
// stores the stock sample creation ISO request.
func (s *Service) CreatePools(ctx context.Context, in PoolCreationRequest) (*PoolCreationResult, error) {
	out := &PoolCreationResult{}
	err := s.run(ctx, "create_pools", EntityIsoRequest, func(ctx context.Context) (string, error) {
		rec := s.recorder(library.MembersStage)
		err := s.createPools(ctx, in, rec, out)
		out.Events = rec.Events()
		if s.uploader != nil && in.TicketNumber > 0 {
			reports, rErr := tickets.UploadReport(in.Label, out.Events, nil, nil)
			if rErr == nil {
				out.Attachments, rErr = s.uploader.Upload(ctx, in.TicketNumber, reports...)
			}
			if rErr != nil {
				if err == nil {
					err = rErr
				} else {
					s.logger.Warn("attaching pool creation log failed", "ticket", in.TicketNumber, "error", rErr)
				}
			}
		}
		return out.IsoRequest.ID, err
	})
	return out, err
}

func (s *Service) createPools(ctx context.Context, in PoolCreationRequest, rec *events.Recorder, out *PoolCreationResult) error {
	label := strings.TrimSpace(in.Label)
	if label == "" {
		rec.AddError("The pool creation label must not be empty.")
		return rec.Err()
	}
	wb := in.Workbook
	if wb == nil {
		reader := workbook.Open(in.Data, rec)
		if reader == nil {
			return rec.Err()
		}
		wb = reader.Workbook()
	}
	molType := in.MoleculeType
	if molType == "" {
		molType = domain.MoleculeTypeSIRNA
	}
	pools, err := library.ParseMembers(ctx, wb, rec, s.catalog, library.MembersOptions{
		NumberDesigns:      in.NumberDesigns,
		MoleculeType:       molType,
		StockConcentration: catalog.PoolStockRackConcentration,
		CreateMissingPools: in.CreateMissingPools,
	})
	if err != nil {
		return err
	}
	out.PoolSet = pools

	expected := ceilDiv(pools.Len(), domain.Shape96.Size())
	if _, ok := wb.Sheet(library.BaseLayoutSheet); ok {
		base, err := library.ParseBaseLayout(wb, rec, library.BaseLayoutOptions{User: s.settings.User, Now: s.now})
		if err != nil {
			return err
		}
		lib, err := library.Build(label, base, pools)
		if err != nil {
			rec.AddError("%v", err)
			return rec.Err()
		}
		out.Library = &lib
		expected = lib.NumberLayouts
	}

	stage := s.recorder(poolcreation.StageName)
	req := poolcreation.Request{
		Label:               label,
		TargetVolume:        in.TargetVolume,
		TargetConcentration: in.TargetConcentration,
		StockConcentration:  in.StockConcentration,
		NumberDesigns:       in.NumberDesigns,
		MinTransferVolume:   s.settings.MinTransferVolume,
		Specs:               domain.PipettingSpecsBiomek,
		Shape:               domain.Shape96,
	}
	plan, err := poolcreation.NewGenerator(stage).Generate(req)
	rec.Absorb(stage)
	if err != nil {
		return err
	}
	out.Plan = plan
	isoReq, err := poolcreation.NewIsoRequest(req, plan, expected)
	if err != nil {
		rec.AddError("%v", err)
		return rec.Err()
	}
	isoReq.TicketNumber = in.TicketNumber
	isoReq.PoolSet = &pools

	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		created, err := tx.CreateIsoRequest(*isoReq)
		if err != nil {
			return err
		}
		out.IsoRequest = created
		return nil
	})
	out.Result = res
	if err != nil {
		return fmt.Errorf("store pool creation request %s: %w", label, err)
	}
	rec.AddInfo("Created pool creation request %s for %d pools (%d ISOs).", label, pools.Len(), expected)
	return nil
}
