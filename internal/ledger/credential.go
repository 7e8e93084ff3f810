package ledger

const redacted = "[REDACTED]"

// Credential is the opaque secret that authorizes debits from a ledger
// account. It never renders its contents through fmt or encoding/json.
type Credential struct {
	secret []byte
}

func NewCredential(secret []byte) Credential {
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return Credential{secret: cp}
}

// Reveal returns the raw secret for the ledger adapter that signs with it.
func (c Credential) Reveal() []byte {
	cp := make([]byte, len(c.secret))
	copy(cp, c.secret)
	return cp
}

func (c Credential) IsZero() bool { return len(c.secret) == 0 }

func (c Credential) String() string { return redacted }

func (c Credential) GoString() string { return redacted }

func (c Credential) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
