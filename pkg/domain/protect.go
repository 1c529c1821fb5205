package domain

// StatusSecured is reported once a bundle has been accepted by the relay.
const StatusSecured = "SECURED"

// ProtectRequest is the inbound protection request.
type ProtectRequest struct {
	EncodedTransaction string `json:"encoded_transaction"`
	// LegacyEncodedTransaction accepts the field name used by early clients.
	LegacyEncodedTransaction string `json:"tx_base64,omitempty"`
}

// Payload returns the encoded transaction, preferring the current field name.
func (r ProtectRequest) Payload() string {
	if r.EncodedTransaction != "" {
		return r.EncodedTransaction
	}
	return r.LegacyEncodedTransaction
}

// ProtectResponse is returned once a bundle was submitted.
type ProtectResponse struct {
	Status      string `json:"status"`
	BundleID    string `json:"bundle_id"`
	ExplorerURL string `json:"explorer_url"`
}
