// Package hostingerrors gives every component a shared error vocabulary: a
// Kind (Transient/Admission/Protocol/Content/Fatal) that callers use to
// decide whether to retry, back off, or surface the failure, and a Code
// that names the specific condition when a caller needs to branch on it.
package hostingerrors
