package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"screencore/internal/events"
	"screencore/internal/experimentdesign"
	"screencore/internal/isorequest"
	"screencore/internal/tickets"
	"screencore/internal/transfection"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

const uploadStage = "experiment metadata upload"

// UploadRequest is one experiment metadata upload. Either Data (a legacy
// Excel stream) or Workbook must be set.
type UploadRequest struct {
	Label            string
	Subproject       string
	NumberReplicates int
	Type             domain.ExperimentType
	Requester        string
	// TicketNumber links an existing ticket; zero opens a new one when a
	// ticket tracker is configured.
	TicketNumber int
	Data         []byte
	Workbook     workbook.Workbook
	// FloatingPoolSet supplies the floating pools of screening experiments
	// whose ISO sheet names no library.
	FloatingPoolSet *domain.MoleculeDesignPoolSet
}

// UploadResult is the outcome of Upload. Events are set on failures too.
type UploadResult struct {
	Metadata    ExperimentMetadata
	IsoRequest  *IsoRequest
	Events      []events.Event
	Attachments []tickets.Attachment
	Result      Result
}

// Warnings returns the warning messages of the upload.
func (r *UploadResult) Warnings() []string {
	var out []string
	for _, e := range r.Events {
		if e.Level == events.LevelWarning {
			out = append(out, e.Message)
		}
	}
	return out
}

// Upload parses an experiment metadata workbook, stores the experiment
// metadata with its ISO request and updates the linked ticket. Uploading a
// label again replaces the stored metadata as long as it has no ISOs.
func (s *Service) Upload(ctx context.Context, in UploadRequest) (*UploadResult, error) {
	out := &UploadResult{}
	err := s.run(ctx, "upload_experiment_metadata", EntityExperimentMetadata, func(ctx context.Context) (string, error) {
		rec := s.recorder(uploadStage)
		err := s.upload(ctx, in, rec, out)
		out.Events = rec.Events()
		if out.Metadata.TicketNumber > 0 {
			attachments, rErr := s.attachUploadReports(ctx, out, err == nil)
			out.Attachments = attachments
			if rErr != nil && err == nil {
				err = rErr
			} else if rErr != nil {
				s.logger.Warn("attaching upload log failed", "ticket", out.Metadata.TicketNumber, "error", rErr)
			}
		}
		return out.Metadata.ID, err
	})
	return out, err
}

func (s *Service) upload(ctx context.Context, in UploadRequest, rec *events.Recorder, out *UploadResult) error {
	label := strings.TrimSpace(in.Label)
	if label == "" {
		rec.AddError("The experiment metadata label must not be empty.")
		return rec.Err()
	}
	out.Metadata = ExperimentMetadata{Label: label, TicketNumber: in.TicketNumber, Type: in.Type}
	expType := in.Type
	if _, err := domain.ParseExperimentType(string(expType)); err != nil {
		rec.AddError("Unknown experiment metadata type %q.", in.Type)
		return rec.Err()
	}
	previous, replacing := s.FindExperimentMetadata(label)
	if replacing && previous.IsoRequestID != "" && len(s.store.IsosForRequest(previous.IsoRequestID)) > 0 {
		rec.AddError("The experiment metadata %s already has ISOs and cannot be replaced.", label)
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

	ticket, err := s.ensureTicket(ctx, in, label, previous.TicketNumber)
	if err != nil {
		return err
	}
	md := ExperimentMetadata{
		Label:            label,
		Subproject:       in.Subproject,
		NumberReplicates: in.NumberReplicates,
		TicketNumber:     ticket,
		Type:             expType,
	}
	out.Metadata = md

	if expType.HasExperimentDesign() {
		stage := s.recorder(experimentdesign.StageName)
		design, err := experimentdesign.NewHandler(stage, experimentdesign.Options{
			AllowedShapes:     s.settings.AllowedShapes,
			FloatingIndicator: s.settings.FloatingIndicator,
			User:              s.settings.User,
			Now:               s.now,
		}).Parse(wb)
		rec.Absorb(stage)
		if err != nil {
			return err
		}
		md.Design = design
	}

	var req *IsoRequest
	if expType.HasIsoRequest() || (expType == domain.ExperimentTypeRTPCR && s.settings.RTPCRAsOpti) {
		stage := s.recorder(isorequest.StageName)
		res, err := isorequest.NewHandler(stage, s.catalog, isorequest.Options{
			ExperimentType:    expType,
			RTPCRAsOpti:       s.settings.RTPCRAsOpti,
			Label:             label,
			Requester:         in.Requester,
			TicketNumber:      ticket,
			AllowedShapes:     s.settings.AllowedShapes,
			FloatingIndicator: s.settings.FloatingIndicator,
			FloatingPoolSet:   in.FloatingPoolSet,
			User:              s.settings.User,
			Now:               s.now,
		}).Parse(ctx, wb)
		rec.Absorb(stage)
		if err != nil {
			return err
		}
		req = res.IsoRequest
		if res.FloatingPoolSet != nil {
			set := *res.FloatingPoolSet
			md.PoolSet = &set
			req.PoolSet = &set
		}
		if md.Design != nil && md.Design.Shape.Size() > 0 && req.IsoLayout.Shape.Size() > 0 &&
			md.Design.Shape.Size() < req.IsoLayout.Shape.Size() {
			rec.AddWarning("The ISO plate (%s) is larger than the experiment design plates (%s).", req.IsoLayout.Shape, md.Design.Shape)
		}
	}
	if rec.HasErrors() {
		return rec.Err()
	}

	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if replacing {
			if err := tx.DeleteExperimentMetadata(previous.ID); err != nil {
				return err
			}
		}
		if req != nil {
			created, err := tx.CreateIsoRequest(*req)
			if err != nil {
				return err
			}
			md.IsoRequestID = created.ID
		}
		created, err := tx.CreateExperimentMetadata(md)
		if err != nil {
			return err
		}
		md = created
		if req != nil {
			linked, err := tx.UpdateIsoRequest(md.IsoRequestID, func(r *IsoRequest) error {
				r.MetadataID = md.ID
				return nil
			})
			if err != nil {
				return err
			}
			req = &linked
		}
		return nil
	})
	out.Result = res
	if err != nil {
		return fmt.Errorf("store experiment metadata %s: %w", label, err)
	}
	md.IsoRequest = req
	out.Metadata = md
	out.IsoRequest = req
	if replacing {
		rec.AddInfo("Replaced experiment metadata %s.", label)
	} else {
		rec.AddInfo("Created experiment metadata %s.", label)
	}
	return nil
}

// ensureTicket returns the ticket of the upload, opening one if needed.
func (s *Service) ensureTicket(ctx context.Context, in UploadRequest, label string, previous int) (int, error) {
	if in.TicketNumber > 0 {
		return in.TicketNumber, nil
	}
	if previous > 0 {
		return previous, nil
	}
	if s.tickets == nil {
		return 0, nil
	}
	number, err := s.tickets.Open(ctx, tickets.Ticket{
		Summary:   fmt.Sprintf("Experiment metadata %s", label),
		Reporter:  in.Requester,
		Owner:     in.Requester,
		Component: string(in.Type),
	})
	if err != nil {
		return 0, fmt.Errorf("open ticket: %w", err)
	}
	return number, nil
}

// attachUploadReports writes the ticket description and attaches the
// upload log. Failed uploads only attach the log.
func (s *Service) attachUploadReports(ctx context.Context, out *UploadResult, success bool) ([]tickets.Attachment, error) {
	if s.tickets == nil {
		return nil, nil
	}
	number := out.Metadata.TicketNumber
	var volumes []tickets.StockVolume
	if success {
		pools, err := s.layoutPools(ctx, out.IsoRequest)
		if err != nil {
			return nil, err
		}
		if out.IsoRequest != nil {
			if volumes, err = tickets.RequiredStockVolumes(*out.IsoRequest, pools); err != nil {
				return nil, err
			}
		}
		desc, err := tickets.BuildDescription(tickets.DescriptionInput{Metadata: out.Metadata, Request: out.IsoRequest, Pools: pools})
		if err != nil {
			return nil, err
		}
		if err := s.tickets.Update(ctx, number, tickets.Update{
			Description: desc,
			Comment:     fmt.Sprintf("Uploaded experiment metadata %s.", out.Metadata.Label),
		}); err != nil {
			return nil, fmt.Errorf("update ticket %d: %w", number, err)
		}
	} else if err := s.tickets.Update(ctx, number, tickets.Update{
		Comment: fmt.Sprintf("The upload of experiment metadata %s failed. See the attached log.", out.Metadata.Label),
	}); err != nil {
		var nf tickets.ErrNotFound
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("update ticket %d: %w", number, err)
		}
	}
	if s.uploader == nil {
		return nil, nil
	}
	reports, err := tickets.UploadReport(out.Metadata.Label, out.Events, volumes, nil)
	if err != nil {
		return nil, err
	}
	return s.uploader.Upload(ctx, number, reports...)
}

func (s *Service) layoutPools(ctx context.Context, req *IsoRequest) (map[int]domain.MoleculeDesignPool, error) {
	if req == nil {
		return nil, nil
	}
	layout, err := transfection.FromRackLayout(req.IsoLayout)
	if err != nil {
		return nil, fmt.Errorf("read iso layout: %w", err)
	}
	ids := layout.FixedPoolIDs()
	if len(ids) == 0 {
		return nil, nil
	}
	pools, err := s.catalog.PoolsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load layout pools: %w", err)
	}
	return pools, nil
}
