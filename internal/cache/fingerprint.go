package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
)

// HostFingerprint derives the opaque machine+volume identity stored in every
// cache file: a truncated digest of the hostname and the device ID of the
// scan root's volume. A cache copied to another machine, or to another
// volume of the same machine, fails the fingerprint check and is rescanned.
func HostFingerprint(rootPath string) [16]byte {
	hostname, _ := os.Hostname()
	device := volumeDevice(rootPath)

	material := make([]byte, 0, len(hostname)+9)
	material = append(material, hostname...)
	material = append(material, 0)
	material = binary.LittleEndian.AppendUint64(material, device)

	digest := sha256.Sum256(material)
	var fingerprint [16]byte
	copy(fingerprint[:], digest[:16])
	return fingerprint
}
