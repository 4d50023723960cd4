package constants

// Event kinds the engine treats specially.
const (
	KindProfile   = 0
	KindNote      = 1
	KindContacts  = 3
	KindDeletion  = 5
	KindRepost    = 6
	KindReaction  = 7
	KindRelayList = 10002
)

// IsReplaceableMetadata reports whether kind belongs to the profile bundle.
func IsReplaceableMetadata(kind int) bool {
	return kind == KindProfile || kind == KindContacts || kind == KindRelayList
}
