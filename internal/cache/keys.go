package cache

import "fmt"

// - roomKey(docID):  online participants, ZSet<participantID, expireAtUnix>
// - stateKey(docID): participant state, Hash<participantID, JSON>
// - docsKey():       documents with a live room, Set<docID>
const (
	keyRoomFmt  = "presence:room:{%s}"
	keyStateFmt = "presence:room:state:{%s}"
	keyDocsSet  = "presence:docs"
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func stateKey(docID string) string { return fmt.Sprintf(keyStateFmt, docID) }
func docsKey() string              { return keyDocsSet }
