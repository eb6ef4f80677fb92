package memory

import "fmt"

const storageRoot = "soulsnaps"

// PhotoPath is the deterministic object key of a memory photo. Re-uploads
// land on the same key, which keeps uploads idempotent.
func PhotoPath(userID, localID string) string {
	return fmt.Sprintf("%s/%s/%s/photo.jpg", storageRoot, userID, localID)
}

// AudioPath is the deterministic object key of a memory audio clip
func AudioPath(userID, localID string) string {
	return fmt.Sprintf("%s/%s/%s/audio.m4a", storageRoot, userID, localID)
}

// AssetPath returns the object key for the given asset kind
func AssetPath(userID, localID string, kind AssetKind) string {
	if kind == AssetAudio {
		return AudioPath(userID, localID)
	}
	return PhotoPath(userID, localID)
}
