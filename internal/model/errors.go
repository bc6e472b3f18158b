package model

// ErrorKind classifies failures surfaced by the core.
type ErrorKind string

const (
	ErrorKindNone               ErrorKind = ""
	ErrorKindStorageCorruption  ErrorKind = "storage_corruption"
	ErrorKindNetworkUnavailable ErrorKind = "network_unavailable"
	ErrorKindRemoteRejected     ErrorKind = "remote_rejected"
	ErrorKindRemoteTransient    ErrorKind = "remote_transient"
	ErrorKindResourceExhausted  ErrorKind = "resource_exhausted"
	ErrorKindReauthRequired     ErrorKind = "reauth_required"
)

// UserVisible reports whether errors of this kind are shown to the user
// as failures. Everything else resolves into retries or a status.
func (k ErrorKind) UserVisible() bool {
	switch k {
	case ErrorKindStorageCorruption, ErrorKindRemoteRejected, ErrorKindRemoteTransient:
		return true
	default:
		return false
	}
}
