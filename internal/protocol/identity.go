package protocol

// HostIdentity is the handshake an agent sends right after connecting.
type HostIdentity struct {
	MAC     string `json:"mac"`
	Release string `json:"release"`
}

// FileHeader precedes every file body. Size is advisory: receivers stop
// early when the sender closes.
type FileHeader struct {
	Name string `json:"name"`
	Size int64  `json:"size"`

	// File is the key older agents used for the dependency file name.
	File string `json:"file,omitempty"`
}

// FileName returns Name, falling back to the legacy File key.
func (h FileHeader) FileName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.File
}
