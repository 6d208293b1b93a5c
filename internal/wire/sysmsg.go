package wire

// System command payload codecs. These carry the small amount of
// structured data the dispatcher itself must read (stage_type, the
// is_created flag) ahead of the opaque content payload; everything after
// that prefix is passed to content untouched (spec.md §1 extension point
// (c): "the core treats payloads as opaque bytes").

// EncodeCreatePayload packs stageType and the content OnCreate payload for
// CreateStage / GetOrCreateStage / CreateJoinStage requests.
func EncodeCreatePayload(stageType string, payload []byte) ([]byte, error) {
	if len(stageType) == 0 || len(stageType) > 255 {
		return nil, violation("stage_type length %d out of range", len(stageType))
	}
	out := make([]byte, 0, 1+len(stageType)+len(payload))
	out = append(out, byte(len(stageType)))
	out = append(out, stageType...)
	out = append(out, payload...)
	return out, nil
}

// DecodeCreatePayload is the inverse of EncodeCreatePayload.
func DecodeCreatePayload(data []byte) (stageType string, payload []byte, err error) {
	if len(data) < 1 {
		return "", nil, violation("create payload too short for stage_type length")
	}
	n := int(data[0])
	rest := data[1:]
	if len(rest) < n {
		return "", nil, violation("declared stage_type length exceeds payload size")
	}
	return string(rest[:n]), rest[n:], nil
}

// EncodeJoinPayload packs stageType, an apiNid passthrough field, and the
// auth payload for JoinStage / CreateJoinStage requests.
func EncodeJoinPayload(stageType, apiNid string, authPayload []byte) ([]byte, error) {
	if len(stageType) == 0 || len(stageType) > 255 {
		return nil, violation("stage_type length %d out of range", len(stageType))
	}
	if len(apiNid) > 255 {
		return nil, violation("api_nid length %d out of range", len(apiNid))
	}
	out := make([]byte, 0, 2+len(stageType)+len(apiNid)+len(authPayload))
	out = append(out, byte(len(stageType)))
	out = append(out, stageType...)
	out = append(out, byte(len(apiNid)))
	out = append(out, apiNid...)
	out = append(out, authPayload...)
	return out, nil
}

// DecodeJoinPayload is the inverse of EncodeJoinPayload.
func DecodeJoinPayload(data []byte) (stageType, apiNid string, authPayload []byte, err error) {
	if len(data) < 1 {
		return "", "", nil, violation("join payload too short for stage_type length")
	}
	n := int(data[0])
	rest := data[1:]
	if len(rest) < n {
		return "", "", nil, violation("declared stage_type length exceeds payload size")
	}
	stageType = string(rest[:n])
	rest = rest[n:]

	if len(rest) < 1 {
		return "", "", nil, violation("join payload too short for api_nid length")
	}
	m := int(rest[0])
	rest = rest[1:]
	if len(rest) < m {
		return "", "", nil, violation("declared api_nid length exceeds payload size")
	}
	apiNid = string(rest[:m])
	authPayload = rest[m:]
	return stageType, apiNid, authPayload, nil
}

// EncodeIsCreatedPayload packs the single-bit is_created flag carried by
// CreateStage/GetOrCreateStage/CreateJoinStage replies.
func EncodeIsCreatedPayload(created bool) []byte {
	if created {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeIsCreatedPayload is the inverse of EncodeIsCreatedPayload.
func DecodeIsCreatedPayload(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, violation("is_created payload empty")
	}
	return data[0] != 0, nil
}
