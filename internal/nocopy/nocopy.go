// Package nocopy provides a zero-size marker that makes go vet's
// -copylocks checker flag accidental copies of structs that embed it.
package nocopy

// NoCopy is embedded as `_ nocopy.NoCopy` in any struct that must not be
// copied after first use (anything holding a lock word or queue pointer).
type NoCopy struct{}

// Lock and Unlock are no-ops; their only purpose is to make NoCopy satisfy
// sync.Locker, which is what go vet's copylocks check looks for.
func (*NoCopy) Lock()   {}
func (*NoCopy) Unlock() {}
