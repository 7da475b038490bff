package models

// OperationKind enumerates the operation that produced an ErrorRecord.
type OperationKind string

const (
	OperationIngestion  OperationKind = "ingestion"
	OperationProcessing OperationKind = "processing"
	OperationAnnotation OperationKind = "annotation"
	OperationSearch     OperationKind = "search"
	OperationExport     OperationKind = "export"
)

// OperationKinds lists every operation kind, in display order.
var OperationKinds = []OperationKind{
	OperationIngestion, OperationProcessing, OperationAnnotation, OperationSearch, OperationExport,
}

func (o OperationKind) Valid() bool {
	for _, k := range OperationKinds {
		if k == o {
			return true
		}
	}
	return false
}

// ErrorKind enumerates failure classes recorded in the ledger.
type ErrorKind string

const (
	ErrorKindUnreadableSource     ErrorKind = "unreadable_source"
	ErrorKindFingerprintFailure   ErrorKind = "fingerprint_failure"
	ErrorKindNormalizationFailure ErrorKind = "normalization_failure"
	ErrorKindStoreFailure         ErrorKind = "store_failure"
	ErrorKindAnnotationProvider   ErrorKind = "annotation_provider_failure"
	ErrorKindExportFailure        ErrorKind = "export_failure"
	ErrorKindUnknown              ErrorKind = "unknown"
)

// ErrorRecord is one durable failure entry. Only ResolvedAt ever changes after
// insert, and only from nil to a value.
// It corresponds to the 'error_records' table.
type ErrorRecord struct {
	ID            int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationType OperationKind `gorm:"column:operation_type;not null;index:idx_error_op_resolved" json:"operation_type"`
	ErrorType     ErrorKind     `gorm:"column:error_type;not null" json:"error_type"`
	Message       string        `gorm:"not null" json:"message"`
	StackTrace    *string       `gorm:"" json:"stack_trace,omitempty"`
	FilePath      *string       `gorm:"index" json:"file_path,omitempty"`
	ModelName     *string       `gorm:"" json:"model_name,omitempty"`
	RetryCount    int           `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt     int64         `gorm:"not null;index" json:"created_at"`
	ResolvedAt    *int64        `gorm:"index:idx_error_op_resolved" json:"resolved_at,omitempty"`
}

// TableName explicitly sets the table name for GORM.
func (ErrorRecord) TableName() string {
	return "error_records"
}

// IsResolved reports whether the record has been marked resolved.
func (e ErrorRecord) IsResolved() bool {
	return e.ResolvedAt != nil
}
