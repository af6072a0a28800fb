package server

import (
	jww "github.com/spf13/jwalterweatherman"

	"github.com/ToppleKek/chatd/journal"
	"github.com/ToppleKek/chatd/protocol"
	"github.com/ToppleKek/chatd/store"
)

// Recover replays the journal from its current position (normally the
// very start, since Open never advances it) into the Store, rebuilding
// every user, group, message, and the ID counter. It must be called
// before Serve. A journal that fails to parse partway through leaves
// the Store with whatever state was rebuilt before the failure; the
// journal itself flips to its read-only-invalid state and refuses any
// further Append.
func (s *Server) Recover() {
	count := 0
	for s.journal.HasMore() {
		rec, ok := s.journal.Next()
		if !ok {
			jww.WARN.Printf("recovery: stopped after %d records, journal is invalid", count)
			return
		}
		s.apply(rec)
		count++
	}
	jww.INFO.Printf("recovery: replayed %d records, next id = %d", count, s.store.CurrentID()+1)
}

// apply folds one journal record into the Store. Direct and group
// messages are journaled asymmetrically by the live handlers -- a
// direct SEND_MESSAGE allocates and journals its id (UPDATE_ID) before
// the NEW_MESSAGE record, while a group send journals NEW_MESSAGE first
// and then one UPDATE_ID per fanned-out member afterward. apply mirrors
// that asymmetry: a NEW_MESSAGE addressed to a group must synchronously
// consume the following len(members) UPDATE_ID records itself, since
// those ids were never individually recorded against a member name and
// can only be reconstructed by replaying them in the same order they
// were allocated in.
func (s *Server) apply(rec journal.Record) {
	switch rec.Type {
	case journal.NewUser:
		s.store.AddUser(rec.Name)

	case journal.UpdateID:
		s.store.SetIDFloor(int64(rec.ID))

	case journal.NewMessage:
		switch protocol.RecipientType(rec.RecipientType) {
		case protocol.RecipientUser:
			// The UPDATE_ID for this message was already applied by
			// the record immediately preceding this one in the file.
			s.store.AddMessage(&store.Message{
				ID:            s.store.CurrentID(),
				Content:       rec.Content,
				Sender:        rec.Sender,
				RecipientType: protocol.RecipientUser,
				Recipient:     rec.Recipient,
			})

		case protocol.RecipientGroup:
			g, ok := s.store.FindGroupByName(rec.Recipient)
			if !ok {
				jww.ERROR.Printf("recovery: NEW_MESSAGE to unknown group %q, dropping", rec.Recipient)
				return
			}
			for _, member := range g.Members {
				idRec, ok := s.journal.Next()
				if !ok || idRec.Type != journal.UpdateID {
					jww.ERROR.Printf("recovery: expected UPDATE_ID fan-out for group message to %q, got %+v", rec.Recipient, idRec)
					return
				}
				s.store.SetIDFloor(int64(idRec.ID))
				s.store.AddMessage(&store.Message{
					ID:            int64(idRec.ID),
					Content:       rec.Content,
					Sender:        rec.Sender,
					RecipientType: protocol.RecipientUser,
					Recipient:     member,
				})
			}

		default:
			jww.ERROR.Printf("recovery: NEW_MESSAGE with unknown recipient type %d, dropping", rec.RecipientType)
		}

	case journal.DeleteMessage:
		s.store.RemoveMessage(int64(rec.ID))

	case journal.NewGroup:
		s.store.AddGroup(rec.Name, rec.Members)
	}
}
