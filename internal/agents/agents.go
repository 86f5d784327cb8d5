// Package agents implements the in-process agents of the pipeline. Each
// agent is a dispatch.Server: a card describing its tools plus one handler
// per tool.
package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/invoiceflow/internal/dispatch"
	"github.com/kalambet/invoiceflow/internal/registry"
)

// Agent ids.
const (
	OCRAgentID         = "com.invoice.ocr"
	MapperAgentID      = "com.invoice.mapper"
	ValidationAgentID  = "com.invoice.validation"
	IntegrationAgentID = "com.invoice.integration"
	SummaryAgentID     = "com.invoice.summary"
	DatastoreAgentID   = "com.invoice.datastore"
)

// Capabilities the workflow resolves through the registry.
const (
	CapabilityOCR         = "CAPABILITY_OCR"
	CapabilityMapping     = "CAPABILITY_MAPPING"
	CapabilityValidation  = "CAPABILITY_VALIDATION"
	CapabilityIntegration = "CAPABILITY_INTEGRATION"
	CapabilitySummary     = "CAPABILITY_SUMMARY"
	CapabilityAudit       = "CAPABILITY_AUDIT"
	CapabilityDBRead      = "CAPABILITY_DB_READ"
	CapabilityDBWrite     = "CAPABILITY_DB_WRITE"
	CapabilityLogging     = "CAPABILITY_LOGGING"
)

// Tool ids.
const (
	ToolExtractText         = "ocr/extract_text_cascading"
	ToolMap                 = "map/execute"
	ToolValidate            = "validate/run_checks"
	ToolPushToERP           = "sync/push_to_erp"
	ToolSummarize           = "summary/generate"
	ToolSaveAuditStep       = "store/save_audit_step"
	ToolCheckDuplicate      = "store/check_duplicate"
	ToolSaveValidatedRecord = "store/save_validated_record"
	ToolSaveMetadata        = "store/save_metadata"
	ToolSaveOCRPayload      = "store/save_ocr_payload"
	ToolLogResponse         = "store/log_response"
)

// Tool statuses beyond the workflow statuses.
const (
	StatusMappingComplete = "MAPPING_COMPLETE"
	StatusFailedSummary   = "FAILED_SUMMARY"

	StatusAuditStepSaved   = "AUDIT_STEP_SAVED"
	StatusFailedAuditSave  = "FAILED_AUDIT_SAVE"
	StatusDuplicateFound   = "DUPLICATE_FOUND"
	StatusUniqueRecord     = "UNIQUE_RECORD"
	StatusFailedDBRead     = "FAILED_DB_READ"
	StatusRecordSaved      = "RECORD_SAVED"
	StatusFailedRecordSave = "FAILED_RECORD_SAVE"
	StatusMetadataSaved    = "METADATA_SAVED"
	StatusFailedMetadata   = "FAILED_METADATA_SAVE"
	StatusOCRPayloadSaved  = "OCR_PAYLOAD_SAVED"
	StatusFailedOCRPayload = "FAILED_OCR_PAYLOAD_SAVE"
	StatusLogSaved         = "LOG_SAVED"
	StatusFailedLogSave    = "FAILED_LOG_SAVE"
)

// Mount mounts every server on d and registers its card with reg.
func Mount(ctx context.Context, d *dispatch.Dispatcher, reg *registry.Registry, servers ...dispatch.Server) error {
	for _, srv := range servers {
		if err := d.Mount(srv); err != nil {
			return err
		}
		if res := reg.Register(ctx, srv.Card()); res.Status != registry.StatusRegistered {
			return fmt.Errorf("registering %s: %s", srv.Card().AgentID, res.Error)
		}
	}
	return nil
}

// decode unmarshals tool arguments, reporting failures as an ERROR result.
func decode(args json.RawMessage, v any) (dispatch.Result, bool) {
	if err := json.Unmarshal(args, v); err != nil {
		return dispatch.Errorf("invalid arguments: %v", err), false
	}
	return dispatch.Result{}, true
}

// async runs fn on its own goroutine and delivers its result on a channel.
// Used by the I/O-bound tools.
func async(fn func(ctx context.Context, args json.RawMessage) dispatch.Result) dispatch.Handler {
	return dispatch.Go(fn)
}

func targetEnum() []string { return []string{"TALLY", "ZOHO", "QUICKBOOKS"} }
