package recovery

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/pingcap-incubator/tinydb/kv/types"
	"github.com/pingcap/errors"
)

// A durable log line is one CSV record with fixed fields:
//
//	txn,timestamp,event,database,table,column,primary_key,primary_key_value,old,new
//
// A checkpoint marker only fills the event and the active set:
//
//	,,CHECKPOINT,<space separated transaction ids>
//
// Values use the tuple text codec of the types package. CSV quoting keeps commas inside
// values away from the field separator.
const dataFields = 10

const timeLayout = time.RFC3339Nano

// ErrMalformedRecord is returned for a log line that cannot be decoded.
type ErrMalformedRecord struct {
	Line   int
	Reason string
}

func (e *ErrMalformedRecord) Error() string {
	return "malformed log record at line " + strconv.Itoa(e.Line) + ": " + e.Reason
}

func encodeEntry(e *Entry) []string {
	if e.Event == EventCheckpoint {
		ids := make([]string, 0, len(e.Active))
		for _, txn := range e.Active {
			ids = append(ids, strconv.FormatUint(uint64(txn), 10))
		}
		return []string{"", "", EventCheckpoint.String(), strings.Join(ids, " ")}
	}
	fields := make([]string, dataFields)
	fields[0] = strconv.FormatUint(uint64(e.TxnID), 10)
	fields[1] = e.Timestamp.UTC().Format(timeLayout)
	fields[2] = e.Event.String()
	if d := e.Descriptor; d != nil {
		fields[3] = d.Database
		fields[4] = d.Table
		fields[5] = d.Column
		fields[6] = d.PrimaryKey
		fields[7] = types.Tuple{d.PrimaryKeyValue}.EncodeText()
	}
	fields[8] = e.Old.EncodeText()
	fields[9] = e.New.EncodeText()
	return fields
}

func decodeEntry(fields []string) (*Entry, error) {
	if len(fields) < 3 {
		return nil, errors.Errorf("expected at least 3 fields, got %d", len(fields))
	}
	event, ok := ParseEvent(fields[2])
	if !ok {
		return nil, errors.Errorf("unknown event %q", fields[2])
	}
	if event == EventCheckpoint {
		e := &Entry{Event: EventCheckpoint}
		if len(fields) > 3 {
			for _, s := range strings.Fields(fields[3]) {
				txn, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					return nil, errors.Errorf("bad active transaction %q", s)
				}
				e.Active = append(e.Active, bto.TxnID(txn))
			}
		}
		return e, nil
	}
	if len(fields) != dataFields {
		return nil, errors.Errorf("expected %d fields, got %d", dataFields, len(fields))
	}

	txn, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, errors.Errorf("bad transaction id %q", fields[0])
	}
	ts, err := time.Parse(timeLayout, fields[1])
	if err != nil {
		return nil, errors.Errorf("bad timestamp %q", fields[1])
	}
	e := &Entry{TxnID: bto.TxnID(txn), Timestamp: ts, Event: event}
	if fields[4] != "" {
		pk, err := types.DecodeTupleText(fields[7])
		if err != nil || len(pk) != 1 {
			return nil, errors.Errorf("bad primary key value %q", fields[7])
		}
		e.Descriptor = &Descriptor{
			Database:        fields[3],
			Table:           fields[4],
			Column:          fields[5],
			PrimaryKey:      fields[6],
			PrimaryKeyValue: pk[0],
		}
	}
	if e.Old, err = types.DecodeTupleText(fields[8]); err != nil {
		return nil, errors.Annotate(err, "old value")
	}
	if e.New, err = types.DecodeTupleText(fields[9]); err != nil {
		return nil, errors.Annotate(err, "new value")
	}
	if e.Event == EventData && e.Descriptor == nil {
		return nil, errors.New("data record without descriptor")
	}
	return e, nil
}

// writeEntries appends entries to w, one line each.
func writeEntries(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	for _, e := range entries {
		if err := cw.Write(encodeEntry(e)); err != nil {
			return errors.WithStack(err)
		}
	}
	cw.Flush()
	return errors.WithStack(cw.Error())
}

// readEntries decodes every line of r. Malformed lines are logged and skipped, reading only
// stops on an I/O error.
func readEntries(r io.Reader) ([]*Entry, error) {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	var entries []*Entry
	for line := 1; ; line++ {
		fields, err := cr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				log.Warnf("skip log line %d: %v", line, err)
				malformedCounter.Inc()
				continue
			}
			return entries, errors.WithStack(err)
		}
		e, err := decodeEntry(fields)
		if err != nil {
			log.Warnf("skip %v", &ErrMalformedRecord{Line: line, Reason: err.Error()})
			malformedCounter.Inc()
			continue
		}
		entries = append(entries, e)
	}
}
