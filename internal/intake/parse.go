package intake

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// codeFieldCount is the exact number of pipe-delimited fields in a scan:
// data|numeroNF|volumes|destino|fornecedor|clienteDestino|tipoCarga.
const codeFieldCount = 7

// ParseCode turns a raw scanned string into a note draft. The draft carries
// status ok, the acceptance timestamp and no divergence; it only becomes
// durable once the guard accepts it.
func ParseCode(raw string) (Note, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Note{}, &MalformedCodeError{Reason: "empty code", FieldCount: 0}
	}
	fields := strings.Split(trimmed, "|")
	if len(fields) != codeFieldCount {
		return Note{}, &MalformedCodeError{
			Reason:     fmt.Sprintf("expected %d fields separated by '|'", codeFieldCount),
			FieldCount: len(fields),
		}
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	data, numeroNF, volumesRaw := fields[0], fields[1], fields[2]
	if data == "" {
		return Note{}, &MalformedCodeError{Reason: "field 1 (data) is empty", FieldCount: codeFieldCount}
	}
	if numeroNF == "" {
		return Note{}, &MalformedCodeError{Reason: "field 2 (numeroNF) is empty", FieldCount: codeFieldCount}
	}
	volumes, err := strconv.Atoi(volumesRaw)
	if err != nil {
		return Note{}, &MalformedCodeError{
			Reason:     fmt.Sprintf("field 3 (volumes) %q is not an integer", volumesRaw),
			FieldCount: codeFieldCount,
		}
	}
	if volumes <= 0 {
		return Note{}, &MalformedCodeError{
			Reason:     fmt.Sprintf("field 3 (volumes) must be > 0, got %d", volumes),
			FieldCount: codeFieldCount,
		}
	}
	return Note{
		Data:           data,
		NumeroNF:       numeroNF,
		Volumes:        volumes,
		Destino:        fields[3],
		Fornecedor:     fields[4],
		ClienteDestino: fields[5],
		TipoCarga:      fields[6],
		CodigoCompleto: trimmed,
		Timestamp:      time.Now().UTC(),
		Status:         StatusOK,
	}, nil
}
