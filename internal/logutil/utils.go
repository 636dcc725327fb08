package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Values groups a set of zap.Fields under a single "values" object field.
// Zero reflection, same speed as inline fields.
func Values(fields ...zap.Field) zap.Field {
	return zap.Object("values", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// Address groups an object address's three ids under one "object" field,
// so every log line that names an object keeps the triple together.
func Address(classId, objectId uint32, subId int32) zap.Field {
	return zap.Object("object", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		enc.AddUint32("class_id", classId)
		enc.AddUint32("object_id", objectId)
		enc.AddInt32("sub_id", subId)
		return nil
	}))
}
