package security

// MasterKey is the system-wide support override secret. It is configured
// separately from user credentials (as a digest, never in plain text) and is
// only ever consulted alongside the per-user check, never instead of it.
type MasterKey struct {
	digest []byte
}

// NewMasterKey returns a MasterKey for the given digest. An empty digest
// disables the override.
func NewMasterKey(digest string) *MasterKey {
	if digest == "" {
		return &MasterKey{}
	}
	return &MasterKey{digest: []byte(digest)}
}

func (m *MasterKey) Enabled() bool {
	return m != nil && len(m.digest) > 0
}

// Matches reports whether presented is the master key.
func (m *MasterKey) Matches(presented string) bool {
	if !m.Enabled() || presented == "" {
		return false
	}
	ok, err := VerifyPassword(presented, m.digest)
	return err == nil && ok
}
