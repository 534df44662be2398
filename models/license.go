package models

// LicensePayload is the decrypted purchase record. The JSON keys match what
// the app signs, but the signed bytes are kept separately and never rebuilt
// from this struct.
type LicensePayload struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	ProductID    string `json:"product_id"`
	PurchaseDate string `json:"purchase_date"`
	Disabled     bool   `json:"disabled"`
	Refunded     bool   `json:"refunded"`
	InstallUID   string `json:"install_uid"`
	Algorithm    int    `json:"algorithm"`
}

func (p LicensePayload) Active() bool {
	return !p.Disabled && !p.Refunded
}

// Purchase is one row of the app's purchases table. Data and Signature are
// base64 of salt||ciphertext.
type Purchase struct {
	ProductID string
	Data      string
	Signature string
}
