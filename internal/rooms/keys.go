package rooms

// roomKey builds the storage key for a persisted room record.
// room/{id}
func roomKey(id string) []byte {
	b := make([]byte, 0, len(id)+5)
	b = append(b, 'r', 'o', 'o', 'm', '/')
	b = append(b, id...)
	return b
}

var roomKeyPrefix = []byte("room/")
