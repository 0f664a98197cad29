package msglog

import "time"

// Reconcile merges an incoming message into a message list and returns the
// resulting list. It is the single dedup point between the optimistic local
// path and the server broadcast path: whichever arrives second updates the
// entry the first one created, in place, so one logical send is never
// visible twice.
//
// Match order: permanent id first, then temporary id. A matched entry
// adopts the permanent id, drops its temporary id and takes the incoming
// content, kind, read flag, timestamp and file metadata without moving
// position. An unmatched message is appended, with a generated fallback id
// when the server sent none.
func Reconcile(list []Message, in Message) []Message {
	idx := -1
	for i := range list {
		if in.ID != "" && list[i].ID == in.ID {
			idx = i
			break
		}
		if in.TempID != "" && list[i].TempID == in.TempID {
			idx = i
			break
		}
	}

	if idx >= 0 {
		cur := list[idx]
		if in.ID != "" {
			cur.ID = in.ID
		}
		cur.TempID = ""
		cur.Content = in.Content
		cur.Kind = in.Kind
		if cur.Kind == "" {
			cur.Kind = KindText
		}
		cur.Read = in.Read
		if !in.CreatedAt.IsZero() {
			cur.CreatedAt = in.CreatedAt
		}
		if in.File != nil {
			cur.File = in.File
		}
		list[idx] = cur
		return list
	}

	if in.ID == "" {
		in.ID = fallbackID()
	}
	if in.Kind == "" {
		in.Kind = KindText
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	return append(list, in)
}
