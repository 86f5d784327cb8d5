package agents

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

// DatastoreServer fronts storage.Persistence for the workflow and the other
// agents.
type DatastoreServer struct {
	store  storage.Persistence
	now    func() time.Time
	logger *slog.Logger
}

func NewDatastoreServer(store storage.Persistence, logger *slog.Logger) *DatastoreServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatastoreServer{store: store, now: time.Now, logger: logger}
}

func (s *DatastoreServer) Card() registry.AgentCard {
	str := func(desc string) registry.Param { return registry.Param{Type: "string", Description: desc} }
	opt := registry.Param{Type: "string", Optional: true}
	return registry.AgentCard{
		AgentID:     DatastoreAgentID,
		Description: "Persists audit steps, invoice metadata, OCR payloads and validated records.",
		Tools: []registry.ToolDefinition{
			{
				ToolID:      ToolSaveAuditStep,
				Capability:  CapabilityAudit,
				Description: "Appends one workflow transition to the audit trail.",
				Parameters: map[string]registry.Param{
					"invoice_id":  str(""),
					"from_status": str(""),
					"to_status":   str(""),
					"meta":        {Type: "object", Optional: true},
				},
			},
			{
				ToolID:      ToolCheckDuplicate,
				Capability:  CapabilityDBRead,
				Description: "Reports whether an invoice with the same vendor, number and date exists.",
				Parameters: map[string]registry.Param{
					"vendor_name":  str(""),
					"invoice_no":   str(""),
					"invoice_date": str(""),
					"invoice_id":   opt,
				},
			},
			{
				ToolID:      ToolSaveValidatedRecord,
				Capability:  CapabilityDBWrite,
				Description: "Stores the mapped invoice with its line items and rule results.",
				Parameters: map[string]registry.Param{
					"invoice_id":         str(""),
					"mapped_schema":      {Type: "object"},
					"validation_status":  str(""),
					"validation_results": {Type: "array", Optional: true},
					"reliability_score":  {Type: "number"},
					"ocr_confidence":     {Type: "number", Optional: true},
					"target_system":      opt,
				},
			},
			{
				ToolID:      ToolSaveMetadata,
				Capability:  CapabilityDBWrite,
				Description: "Records where an uploaded file was stored.",
				Parameters: map[string]registry.Param{
					"invoice_id":     str(""),
					"user_id":        opt,
					"original_path":  str(""),
					"storage_path":   str(""),
					"file_extension": opt,
				},
			},
			{
				ToolID:      ToolSaveOCRPayload,
				Capability:  CapabilityDBWrite,
				Description: "Stores the raw OCR result of an invoice.",
				Parameters: map[string]registry.Param{
					"invoice_id": str(""),
					"ocr_result": {Type: "object"},
				},
			},
			{
				ToolID:      ToolLogResponse,
				Capability:  CapabilityLogging,
				Description: "Logs a raw agent response.",
				Parameters: map[string]registry.Param{
					"agent_id":   str(""),
					"tool_id":    str(""),
					"invoice_id": opt,
					"status":     str(""),
					"payload":    {Type: "object", Optional: true},
				},
			},
		},
	}
}

func (s *DatastoreServer) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		ToolSaveAuditStep:       async(s.saveAuditStep),
		ToolCheckDuplicate:      async(s.checkDuplicate),
		ToolSaveValidatedRecord: async(s.saveValidatedRecord),
		ToolSaveMetadata:        async(s.saveMetadata),
		ToolSaveOCRPayload:      async(s.saveOCRPayload),
		ToolLogResponse:         async(s.logResponse),
	}
}

func (s *DatastoreServer) saveAuditStep(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args AuditArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	meta := args.Meta
	if len(meta) == 0 || string(meta) == "null" {
		meta = json.RawMessage(`{}`)
	}
	err := s.store.SaveAuditStep(ctx, invoice.AuditStep{
		InvoiceID:  args.InvoiceID,
		FromStatus: args.FromStatus,
		ToStatus:   args.ToStatus,
		Meta:       meta,
		Timestamp:  s.now(),
	})
	if err != nil {
		s.logger.Error("saving audit step", "invoice_id", args.InvoiceID, "to", args.ToStatus, "error", err)
		return dispatch.Fail(StatusFailedAuditSave, err)
	}
	return dispatch.OK(StatusAuditStepSaved, nil)
}

func (s *DatastoreServer) checkDuplicate(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args DuplicateArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	dup, err := s.store.CheckDuplicate(ctx, args.VendorName, args.InvoiceNo, args.InvoiceDate, args.InvoiceID)
	if err != nil {
		return dispatch.Fail(StatusFailedDBRead, err)
	}
	if dup {
		return dispatch.OK(StatusDuplicateFound, map[string]bool{"duplicate": true})
	}
	return dispatch.OK(StatusUniqueRecord, map[string]bool{"duplicate": false})
}

// CheckDuplicate lets the server act as the validation engine's
// duplicate checker without a dispatch round trip.
func (s *DatastoreServer) CheckDuplicate(ctx context.Context, vendorName, invoiceNo, invoiceDate, excludeInvoiceID string) (bool, error) {
	return s.store.CheckDuplicate(ctx, vendorName, invoiceNo, invoiceDate, excludeInvoiceID)
}

func (s *DatastoreServer) saveValidatedRecord(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args RecordArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	doc, err := json.Marshal(args.MappedSchema)
	if err != nil {
		return dispatch.Fail(StatusFailedRecordSave, err)
	}
	m := args.MappedSchema
	rec := storage.InvoiceRecord{
		InvoiceID:            args.InvoiceID,
		VendorName:           m.Vendor.Name,
		VendorGSTIN:          m.Vendor.GSTIN,
		InvoiceNo:            m.InvoiceNumber,
		InvoiceDate:          m.InvoiceDate,
		GrandTotal:           m.Totals.GrandTotal,
		Status:               args.ValidationStatus,
		ValidationStatus:     args.ValidationStatus,
		TargetSystem:         string(args.TargetSystem),
		ExtractionConfidence: args.OCRConfidence,
		ReliabilityScore:     args.ReliabilityScore,
		SchemaJSON:           string(doc),
		LineItems:            m.LineItems,
		Results:              args.Results,
	}
	if err := s.store.SaveValidatedRecord(ctx, rec); err != nil {
		s.logger.Error("saving validated record", "invoice_id", args.InvoiceID, "error", err)
		return dispatch.Fail(StatusFailedRecordSave, err)
	}
	return dispatch.OK(StatusRecordSaved, map[string]string{"invoice_id": args.InvoiceID})
}

func (s *DatastoreServer) saveMetadata(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args MetadataArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	err := s.store.SaveMetadata(ctx, storage.InvoiceMetadata{
		InvoiceID:     args.InvoiceID,
		UserID:        args.UserID,
		OriginalPath:  args.OriginalPath,
		StoragePath:   args.StoragePath,
		FileExtension: args.FileExtension,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return dispatch.Fail(StatusFailedMetadata, err)
	}
	return dispatch.OK(StatusMetadataSaved, nil)
}

func (s *DatastoreServer) saveOCRPayload(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args OCRPayloadArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	b, err := json.Marshal(args.Result)
	if err != nil {
		return dispatch.Fail(StatusFailedOCRPayload, err)
	}
	if err := s.store.SaveOCRPayload(ctx, args.InvoiceID, string(b)); err != nil {
		return dispatch.Fail(StatusFailedOCRPayload, err)
	}
	return dispatch.OK(StatusOCRPayloadSaved, nil)
}

func (s *DatastoreServer) logResponse(ctx context.Context, raw json.RawMessage) dispatch.Result {
	var args LogArgs
	if res, ok := decode(raw, &args); !ok {
		return res
	}
	payload := "{}"
	if len(args.Payload) > 0 {
		payload = string(args.Payload)
	}
	err := s.store.LogResponse(ctx, storage.ResponseLog{
		AgentID:     args.AgentID,
		ToolID:      args.ToolID,
		InvoiceID:   args.InvoiceID,
		Status:      args.Status,
		PayloadJSON: payload,
	})
	if err != nil {
		return dispatch.Fail(StatusFailedLogSave, err)
	}
	return dispatch.OK(StatusLogSaved, nil)
}
