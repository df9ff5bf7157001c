package receipt

// Receipt is a signed record attesting that an agent action occurred.
// Immutable once issued; the signing service owns the canonical copy.
type Receipt struct {
	ReceiptID           string         `json:"receipt_id"`
	Timestamp           string         `json:"timestamp" format:"date-time"`
	AgentID             string         `json:"agent_id"`
	ActionType          string         `json:"action_type"`
	PayloadHash         string         `json:"payload_hash"`
	Signature           string         `json:"signature"`
	SignatureType       string         `json:"signature_type"`
	KeyID               string         `json:"key_id"`
	Kid                 string         `json:"kid,omitempty"`
	Alg                 string         `json:"alg,omitempty"`
	SchemaVersion       string         `json:"schema_version"`
	ChainSequence       *int64         `json:"chain_sequence,omitempty"`
	PreviousReceiptHash string         `json:"previous_receipt_hash,omitempty"`
	ReceiptHash         string         `json:"receipt_hash,omitempty"`
	VerifyURL           string         `json:"verify_url,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// VerificationResult is the outcome of checking a receipt, online or offline.
type VerificationResult struct {
	Valid       bool           `json:"valid"`
	SignatureOK bool           `json:"signature_ok"`
	StructureOK bool           `json:"structure_ok"`
	ChainOK     *bool          `json:"chain_ok,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	KeyID       string         `json:"key_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// ServiceStatus describes the signing service's health and capabilities.
type ServiceStatus struct {
	Status        string   `json:"status"`
	SignatureType string   `json:"signature_type"`
	KeyID         string   `json:"key_id"`
	HasPublicKey  bool     `json:"has_public_key"`
	Capabilities  []string `json:"capabilities"`
}

// KeyInfo is the public key document served for offline verification.
type KeyInfo struct {
	KeyID         string `json:"key_id"`
	SignatureType string `json:"signature_type"`
	PublicKeyPEM  string `json:"public_key_pem"`
}

// LookupResult wraps the public receipt lookup response.
type LookupResult struct {
	Found        bool                `json:"found"`
	Receipt      *Receipt            `json:"receipt,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Meta         map[string]any      `json:"meta,omitempty"`
}

// SchemaVersion for receipts issued by this line of the service.
const SchemaVersion = "1.0"

// RequiredFields are the fields a receipt must carry to be verifiable at all.
var RequiredFields = []string{
	"receipt_id", "timestamp", "agent_id", "action_type",
	"payload_hash", "signature", "signature_type",
}

// MissingFields returns the names of required fields that are empty.
func (r *Receipt) MissingFields() []string {
	var missing []string
	for _, f := range RequiredFields {
		empty := false
		switch f {
		case "receipt_id":
			empty = r.ReceiptID == ""
		case "timestamp":
			empty = r.Timestamp == ""
		case "agent_id":
			empty = r.AgentID == ""
		case "action_type":
			empty = r.ActionType == ""
		case "payload_hash":
			empty = r.PayloadHash == ""
		case "signature":
			empty = r.Signature == ""
		case "signature_type":
			empty = r.SignatureType == ""
		}
		if empty {
			missing = append(missing, f)
		}
	}
	return missing
}
