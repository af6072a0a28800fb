// Package journal implements the append-only text log that makes the
// chat server's user/group/message graph durable across restarts.
//
// Records are whitespace-delimited text, one per line: a keyword
// followed by quoted-string and unsigned-integer fields depending on the
// record type. Strings are double-quoted with no escape mechanism --
// content containing a literal `"` will corrupt the file on read-back.
// Any other byte, newlines included, is read back verbatim up to the
// closing quote. A future revision could move to a length-prefixed binary
// format behind a version byte, but the text format is kept for now
// since it makes the journal trivially greppable during recovery.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Type identifies a record's operation.
type Type string

const (
	NewUser       Type = "NEW_USER"
	NewMessage    Type = "NEW_MESSAGE"
	DeleteMessage Type = "DELETE_MESSAGE"
	UpdateID      Type = "UPDATE_ID"
	NewGroup      Type = "NEW_GROUP"
)

// Record is one journaled transaction. Only the fields relevant to Type
// are populated by Next; callers must switch on Type before reading
// them.
type Record struct {
	Type Type

	// NEW_USER, NEW_GROUP
	Name string

	// NEW_MESSAGE
	Sender        string
	RecipientType uint32
	Recipient     string
	Content       string

	// DELETE_MESSAGE, UPDATE_ID
	ID uint32

	// NEW_GROUP
	Members []string
}

// Journal is the durable transaction log. Not safe for concurrent use;
// callers serialize access with their own lock (see server.Server, which
// holds a single coarse mutex around Store and Journal together).
type Journal struct {
	file    *os.File
	reader  *bufio.Reader
	invalid bool
	path    string
}

// Open opens (creating if absent) the journal file at path in read+append
// mode and positions the recovery cursor at its start.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "journal: open %q", path)
	}
	return &Journal{
		file:   f,
		reader: bufio.NewReader(f),
		path:   path,
	}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// Invalid reports whether the journal has entered its terminal
// read-only-and-write-only-dropped state after a parse failure.
func (j *Journal) Invalid() bool {
	return j.invalid
}

// HasMore reports whether any non-whitespace byte remains to be
// consumed by Next. It is a recovery-time-only operation.
func (j *Journal) HasMore() bool {
	if j.invalid {
		return false
	}
	for {
		b, err := j.reader.Peek(1)
		if err != nil {
			return false
		}
		if isSpace(b[0]) {
			j.reader.ReadByte()
			continue
		}
		return true
	}
}

// Next parses and returns the next record. On any format error it
// transitions the Journal to its invalid state and returns ok=false;
// the caller should stop recovering and continue with whatever state
// was rebuilt so far.
func (j *Journal) Next() (Record, bool) {
	if j.invalid {
		return Record{}, false
	}

	keyword, err := j.readToken()
	if err != nil {
		return j.fail(errors.Wrap(err, "journal: reading record keyword"))
	}

	switch Type(keyword) {
	case NewUser:
		name, err := j.readQuotedString()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_USER"))
		}
		return Record{Type: NewUser, Name: name}, true

	case UpdateID:
		id, err := j.readUint32()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: UPDATE_ID"))
		}
		return Record{Type: UpdateID, ID: id}, true

	case NewMessage:
		sender, err := j.readQuotedString()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_MESSAGE sender"))
		}
		recipientType, err := j.readUint32()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_MESSAGE recipient_type"))
		}
		recipient, err := j.readQuotedString()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_MESSAGE recipient"))
		}
		content, err := j.readQuotedString()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_MESSAGE content"))
		}
		return Record{
			Type:          NewMessage,
			Sender:        sender,
			RecipientType: recipientType,
			Recipient:     recipient,
			Content:       content,
		}, true

	case DeleteMessage:
		id, err := j.readUint32()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: DELETE_MESSAGE"))
		}
		return Record{Type: DeleteMessage, ID: id}, true

	case NewGroup:
		name, err := j.readQuotedString()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_GROUP name"))
		}
		count, err := j.readUint32()
		if err != nil {
			return j.fail(errors.Wrap(err, "journal: NEW_GROUP count"))
		}
		members := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			m, err := j.readQuotedString()
			if err != nil {
				return j.fail(errors.Wrap(err, "journal: NEW_GROUP member"))
			}
			members = append(members, m)
		}
		return Record{Type: NewGroup, Name: name, Members: members}, true

	default:
		return j.fail(errors.Errorf("journal: unknown record keyword %q", keyword))
	}
}

func (j *Journal) fail(err error) (Record, bool) {
	j.invalid = true
	jww.ERROR.Printf("journal: parse failure, entering read-only-invalid state: %v", err)
	return Record{}, false
}

// Append formats and writes one record, preceded by a newline, and
// flushes it to disk. It must only be called once recovery has finished
// (HasMore() == false); calling it earlier is a programmer error.
func (j *Journal) Append(rec Record) {
	if j.invalid {
		jww.ERROR.Printf("journal: append dropped, journal is invalid: %+v", rec)
		return
	}
	if j.HasMore() {
		jww.ERROR.Printf("journal: Append called with unread transactions still pending, this is a programmer error")
	}

	line := formatRecord(rec)

	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		jww.ERROR.Printf("journal: seek to end failed, append dropped: %v", err)
		return
	}
	if _, err := j.file.WriteString("\n" + line); err != nil {
		jww.ERROR.Printf("journal: write failed, append dropped: %v", err)
		return
	}
	if err := j.file.Sync(); err != nil {
		jww.ERROR.Printf("journal: fsync failed: %v", err)
	}
}

func formatRecord(rec Record) string {
	switch rec.Type {
	case NewUser:
		return fmt.Sprintf(`%s "%s"`, NewUser, rec.Name)
	case NewMessage:
		return fmt.Sprintf(`%s "%s" %d "%s" "%s"`, NewMessage, rec.Sender, rec.RecipientType, rec.Recipient, rec.Content)
	case DeleteMessage:
		return fmt.Sprintf("%s %d", DeleteMessage, rec.ID)
	case UpdateID:
		return fmt.Sprintf("%s %d", UpdateID, rec.ID)
	case NewGroup:
		var b strings.Builder
		fmt.Fprintf(&b, `%s "%s" %d`, NewGroup, rec.Name, len(rec.Members))
		for _, m := range rec.Members {
			fmt.Fprintf(&b, ` "%s"`, m)
		}
		return b.String()
	default:
		return ""
	}
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

// readToken reads a whitespace-delimited token (the record keyword).
func (j *Journal) readToken() (string, error) {
	if err := j.skipWhitespace(); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		c, err := j.reader.ReadByte()
		if err != nil {
			if b.Len() > 0 {
				return b.String(), nil
			}
			return "", err
		}
		if isSpace(c) {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

// readUint32 reads a whitespace-delimited unsigned decimal integer.
func (j *Journal) readUint32() (uint32, error) {
	tok, err := j.readToken()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(tok, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer %q", tok)
	}
	return uint32(n), nil
}

// readQuotedString reads a "-delimited string with no escape handling.
func (j *Journal) readQuotedString() (string, error) {
	if err := j.skipWhitespace(); err != nil {
		return "", err
	}
	c, err := j.reader.ReadByte()
	if err != nil {
		return "", err
	}
	if c != '"' {
		return "", errors.Errorf(`expected '"' to begin string, got %q`, c)
	}
	var b strings.Builder
	for {
		c, err := j.reader.ReadByte()
		if err != nil {
			return "", errors.Wrap(err, "unterminated string")
		}
		if c == '"' {
			return b.String(), nil
		}
		b.WriteByte(c)
	}
}

func (j *Journal) skipWhitespace() error {
	for {
		b, err := j.reader.Peek(1)
		if err != nil {
			return err
		}
		if !isSpace(b[0]) {
			return nil
		}
		j.reader.ReadByte()
	}
}
