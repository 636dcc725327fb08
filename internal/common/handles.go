// Package common holds the opaque command-handle codec pkg/eventtrigger
// stamps onto every CollectedCommand: a reversible encoding of the
// classId/objectId/subId triple a depend.ObjectAddress already is.
package common

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// EncodeHandle returns a canonical base64 string of the form
// "classId=<n>,objectId=<n>,subId=<n>".
func EncodeHandle(classId, objectId uint32, subId int32) string {
	raw := fmt.Sprintf("classId=%d,objectId=%d,subId=%d", classId, objectId, subId)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHandle parses a handle produced by EncodeHandle.
func DecodeHandle(h string) (classId, objectId uint32, subId int32, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid base64: %w", err)
	}

	fields := map[string]int64{}
	for _, kv := range strings.Split(string(b), ",") {
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			return 0, 0, 0, fmt.Errorf("malformed handle")
		}
		n, err := strconv.ParseInt(pair[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed handle field %q: %w", pair[0], err)
		}
		fields[pair[0]] = n
	}
	return uint32(fields["classId"]), uint32(fields["objectId"]), int32(fields["subId"]), nil
}
