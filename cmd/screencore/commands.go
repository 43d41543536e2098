package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"screencore/internal/core"
	"screencore/internal/events"
	"screencore/internal/tickets"
	"screencore/pkg/domain"
)

type eventSummary struct {
	Level   string `json:"level"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func summariseEvents(evs []events.Event) []eventSummary {
	var out []eventSummary
	for _, e := range evs {
		if e.Level < events.LevelWarning {
			continue
		}
		out = append(out, eventSummary{Level: e.Level.String(), Stage: e.Stage, Message: e.Message})
	}
	return out
}

func attachmentNames(as []tickets.Attachment) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.Name)
	}
	return out
}

func (a *app) parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(a.stderr)
	if err := fs.Parse(args); err != nil {
		return usageError{err}
	}
	if fs.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected arguments %v", fs.Args())}
	}
	return nil
}

func required(name, value string) error {
	if value == "" {
		return usageError{fmt.Errorf("-%s is required", name)}
	}
	return nil
}

type uploadOutput struct {
	MetadataID   string         `json:"metadata_id,omitempty"`
	Label        string         `json:"label"`
	TicketNumber int            `json:"ticket_number,omitempty"`
	IsoRequestID string         `json:"iso_request_id,omitempty"`
	ExpectedIsos int            `json:"expected_isos,omitempty"`
	Attachments  []string       `json:"attachments,omitempty"`
	Events       []eventSummary `json:"events,omitempty"`
}

func runUpload(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	var (
		in                   core.UploadRequest
		file, expType, pools string
		poolType             string
	)
	fs.StringVar(&in.Label, "label", "", "experiment metadata label")
	fs.StringVar(&in.Subproject, "subproject", "", "subproject name")
	fs.IntVar(&in.NumberReplicates, "replicates", 1, "number of replicates")
	fs.StringVar(&expType, "type", "", "experiment type (OPTI, SCREEN, MANUAL, ISO-LESS, LIBRARY, RTPCR, ORDER-ONLY)")
	fs.StringVar(&in.Requester, "requester", "", "user requesting the experiment")
	fs.IntVar(&in.TicketNumber, "ticket", 0, "existing ticket number")
	fs.StringVar(&file, "file", "", "experiment metadata workbook (.xls)")
	fs.StringVar(&pools, "pool-set", "", "comma separated floating pool IDs")
	fs.StringVar(&poolType, "pool-set-type", string(domain.MoleculeTypeSIRNA), "molecule type of the floating pool set")
	if err := a.parseFlags(fs, args); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{"label": in.Label, "type": expType, "file": file} {
		if err := required(name, v); err != nil {
			return nil, err
		}
	}
	t, err := domain.ParseExperimentType(expType)
	if err != nil {
		return nil, usageError{err}
	}
	in.Type = t
	if in.Data, err = os.ReadFile(file); err != nil { // #nosec G304: operator supplied path
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	if in.FloatingPoolSet, err = a.poolSet(ctx, pools, poolType); err != nil {
		return nil, err
	}

	res, err := a.svc.Upload(ctx, in)
	if res == nil {
		return nil, err
	}
	out := uploadOutput{
		MetadataID:   res.Metadata.ID,
		Label:        in.Label,
		TicketNumber: res.Metadata.TicketNumber,
		Attachments:  attachmentNames(res.Attachments),
		Events:       summariseEvents(res.Events),
	}
	if res.IsoRequest != nil {
		out.IsoRequestID = res.IsoRequest.ID
		out.ExpectedIsos = res.IsoRequest.ExpectedNumberIsos
	}
	return out, err
}

type isoOutput struct {
	Label      string   `json:"label"`
	ID         string   `json:"id"`
	Pools      []int    `json:"pools,omitempty"`
	StockRacks []string `json:"stock_racks,omitempty"`
}

type isosOutput struct {
	Isos        []isoOutput    `json:"isos"`
	TubeMoves   int            `json:"tube_moves"`
	Attachments []string       `json:"attachments,omitempty"`
	Events      []eventSummary `json:"events,omitempty"`
}

func summariseIsos(res *core.IsoResult) isosOutput {
	out := isosOutput{
		TubeMoves:   len(res.TubeMoves),
		Attachments: attachmentNames(res.Attachments),
		Events:      summariseEvents(res.Events),
	}
	for _, iso := range res.Isos {
		o := isoOutput{Label: iso.Label, ID: iso.ID, StockRacks: iso.StockRacks}
		if iso.PoolSet != nil {
			o.Pools = iso.PoolSet.IDs()
		}
		out.Isos = append(out.Isos, o)
	}
	return out
}

func runGenerate(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("generate-isos", flag.ContinueOnError)
	var (
		in                               core.GenerateRequest
		label, pools, poolType, excluded string
		requested                        string
	)
	fs.StringVar(&in.IsoRequestID, "request", "", "ISO request ID")
	fs.StringVar(&label, "label", "", "experiment metadata label (alternative to -request)")
	fs.IntVar(&in.Count, "count", 0, "number of ISOs; 0 generates the missing ones")
	fs.StringVar(&pools, "pool-set", "", "comma separated floating pool IDs replacing the request's set")
	fs.StringVar(&poolType, "pool-set-type", string(domain.MoleculeTypeSIRNA), "molecule type of the floating pool set")
	fs.StringVar(&excluded, "exclude-racks", "", "comma separated rack barcodes to skip")
	fs.StringVar(&requested, "tubes", "", "comma separated stock tube barcodes to prefer")
	if err := a.parseFlags(fs, args); err != nil {
		return nil, err
	}
	id, err := a.requestID(in.IsoRequestID, label)
	if err != nil {
		return nil, err
	}
	in.IsoRequestID = id
	in.ExcludedRacks = splitList(excluded)
	in.RequestedTubes = splitList(requested)
	if in.FloatingPoolSet, err = a.poolSet(ctx, pools, poolType); err != nil {
		return nil, err
	}
	res, err := a.svc.GenerateIsos(ctx, in)
	if res == nil {
		return nil, err
	}
	return summariseIsos(res), err
}

func runReschedule(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("reschedule", flag.ContinueOnError)
	var (
		in                  core.RescheduleRequest
		label, isos         string
		excluded, requested string
	)
	fs.StringVar(&in.IsoRequestID, "request", "", "ISO request ID")
	fs.StringVar(&label, "label", "", "experiment metadata label (alternative to -request)")
	fs.StringVar(&isos, "isos", "", "comma separated ISO IDs to copy")
	fs.StringVar(&excluded, "exclude-racks", "", "comma separated rack barcodes to skip")
	fs.StringVar(&requested, "tubes", "", "comma separated stock tube barcodes to prefer")
	fs.BoolVar(&in.CancelOriginals, "cancel", false, "cancel the copied ISOs")
	if err := a.parseFlags(fs, args); err != nil {
		return nil, err
	}
	if err := required("isos", isos); err != nil {
		return nil, err
	}
	id, err := a.requestID(in.IsoRequestID, label)
	if err != nil {
		return nil, err
	}
	in.IsoRequestID = id
	in.IsoIDs = splitList(isos)
	in.ExcludedRacks = splitList(excluded)
	in.RequestedTubes = splitList(requested)
	res, err := a.svc.Reschedule(ctx, in)
	if res == nil {
		return nil, err
	}
	return summariseIsos(res), err
}

type poolCreationOutput struct {
	IsoRequestID string         `json:"iso_request_id,omitempty"`
	Pools        int            `json:"pools"`
	ExpectedIsos int            `json:"expected_isos,omitempty"`
	BufferVolume float64        `json:"buffer_volume,omitempty"`
	Attachments  []string       `json:"attachments,omitempty"`
	Events       []eventSummary `json:"events,omitempty"`
}

func runPoolCreation(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("pool-creation", flag.ContinueOnError)
	var (
		in            core.PoolCreationRequest
		file, molType string
	)
	fs.StringVar(&in.Label, "label", "", "pool creation set label")
	fs.StringVar(&file, "file", "", "library member workbook (.xls)")
	fs.IntVar(&in.NumberDesigns, "designs", 3, "molecule designs per pool")
	fs.StringVar(&molType, "molecule-type", string(domain.MoleculeTypeSIRNA), "molecule type of the designs")
	fs.Float64Var(&in.TargetVolume, "volume", 0, "target pool volume (ul)")
	fs.Float64Var(&in.TargetConcentration, "concentration", 0, "target pool concentration (nM)")
	fs.Float64Var(&in.StockConcentration, "stock-concentration", 0, "single design stock concentration (nM)")
	fs.BoolVar(&in.CreateMissingPools, "create-pools", false, "register unknown pools in the catalog")
	fs.IntVar(&in.TicketNumber, "ticket", 0, "ticket receiving the log reports")
	if err := a.parseFlags(fs, args); err != nil {
		return nil, err
	}
	for name, v := range map[string]string{"label": in.Label, "file": file} {
		if err := required(name, v); err != nil {
			return nil, err
		}
	}
	mt, err := domain.ParseMoleculeType(molType)
	if err != nil {
		return nil, usageError{err}
	}
	in.MoleculeType = mt
	if in.Data, err = os.ReadFile(file); err != nil { // #nosec G304: operator supplied path
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	res, err := a.svc.CreatePools(ctx, in)
	if res == nil {
		return nil, err
	}
	out := poolCreationOutput{
		IsoRequestID: res.IsoRequest.ID,
		Pools:        res.PoolSet.Len(),
		ExpectedIsos: res.IsoRequest.ExpectedNumberIsos,
		Attachments:  attachmentNames(res.Attachments),
		Events:       summariseEvents(res.Events),
	}
	if res.Plan != nil {
		out.BufferVolume = res.Plan.BufferVolume
	}
	return out, err
}

// requestID resolves the ISO request from an explicit ID or a metadata label.
func (a *app) requestID(id, label string) (string, error) {
	if id != "" {
		return id, nil
	}
	if label == "" {
		return "", usageError{errors.New("-request or -label is required")}
	}
	md, ok := a.svc.FindExperimentMetadata(label)
	if !ok {
		return "", core.ErrNotFound{Entity: core.EntityExperimentMetadata, ID: label}
	}
	if md.IsoRequestID == "" {
		return "", fmt.Errorf("experiment metadata %s has no ISO request", label)
	}
	return md.IsoRequestID, nil
}
