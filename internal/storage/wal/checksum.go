package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Type + JobID + Seq + Record（整筆任務資料）
// 不包含 Timestamp
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64, record []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{0})
	h.Write(record)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq, event.Record)
}
