package staticanalysis

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// DEX 头部偏移
const (
	dexHeaderSize      = 0x70
	dexEndianTagOff    = 0x28
	dexStringIDsOff    = 0x38
	dexTypeIDsOff      = 0x40
	dexMethodIDsOff    = 0x58
	dexEndianConstant  = 0x12345678
	dexMethodIDItemLen = 8
)

var errDexTables = errors.New("invalid dex tables")

// apiKey 方法引用：类描述符 + 方法名
type apiKey struct {
	class  string
	method string
}

// dexIndex 单个 DEX 的方法引用计数，每个 method_id 计一次
type dexIndex struct {
	methods map[apiKey]int
	classes map[string]int
}

// parseDexIndex 解析 string_ids / type_ids / method_ids 表
func parseDexIndex(data []byte) (*dexIndex, error) {
	if len(data) < dexHeaderSize {
		return nil, fmt.Errorf("%w: truncated header", errDexTables)
	}
	le := binary.LittleEndian
	if le.Uint32(data[dexEndianTagOff:]) != dexEndianConstant {
		return nil, fmt.Errorf("%w: unsupported endian tag", errDexTables)
	}

	stringCount, stringOff := le.Uint32(data[dexStringIDsOff:]), le.Uint32(data[dexStringIDsOff+4:])
	typeCount, typeOff := le.Uint32(data[dexTypeIDsOff:]), le.Uint32(data[dexTypeIDsOff+4:])
	methodCount, methodOff := le.Uint32(data[dexMethodIDsOff:]), le.Uint32(data[dexMethodIDsOff+4:])

	if !tableFits(data, stringOff, stringCount, 4) ||
		!tableFits(data, typeOff, typeCount, 4) ||
		!tableFits(data, methodOff, methodCount, dexMethodIDItemLen) {
		return nil, fmt.Errorf("%w: table out of range", errDexTables)
	}

	r := &dexReader{
		data:        data,
		stringOff:   stringOff,
		stringCount: stringCount,
		cache:       make(map[uint32]string),
	}

	idx := &dexIndex{
		methods: make(map[apiKey]int, methodCount),
		classes: make(map[string]int),
	}
	for i := uint32(0); i < methodCount; i++ {
		item := data[methodOff+i*dexMethodIDItemLen:]
		classIdx := uint32(le.Uint16(item[0:]))
		nameIdx := le.Uint32(item[4:])

		if classIdx >= typeCount {
			return nil, fmt.Errorf("%w: method %d class index %d", errDexTables, i, classIdx)
		}
		class, err := r.stringAt(le.Uint32(data[typeOff+classIdx*4:]))
		if err != nil {
			return nil, err
		}
		name, err := r.stringAt(nameIdx)
		if err != nil {
			return nil, err
		}
		idx.methods[apiKey{class: class, method: name}]++
		idx.classes[class]++
	}
	return idx, nil
}

// count 模式的引用次数；method 为空时统计该类的全部方法引用
func (idx *dexIndex) count(k apiKey) int {
	if idx == nil {
		return 0
	}
	if k.method == "" {
		return idx.classes[k.class]
	}
	return idx.methods[k]
}

func tableFits(data []byte, off, count, itemSize uint32) bool {
	if count == 0 {
		return true
	}
	end := uint64(off) + uint64(count)*uint64(itemSize)
	return off >= dexHeaderSize && end <= uint64(len(data))
}

// dexReader 按索引解码 string_data_item（MUTF-8 原样返回）
type dexReader struct {
	data        []byte
	stringOff   uint32
	stringCount uint32
	cache       map[uint32]string
}

func (r *dexReader) stringAt(i uint32) (string, error) {
	if s, ok := r.cache[i]; ok {
		return s, nil
	}
	if i >= r.stringCount {
		return "", fmt.Errorf("%w: string index %d", errDexTables, i)
	}
	off := uint64(binary.LittleEndian.Uint32(r.data[r.stringOff+i*4:]))
	if off >= uint64(len(r.data)) {
		return "", fmt.Errorf("%w: string %d offset out of range", errDexTables, i)
	}

	// 跳过 uleb128 的 utf16 长度
	p := off
	for n := 0; ; n++ {
		if p >= uint64(len(r.data)) || n == 5 {
			return "", fmt.Errorf("%w: string %d bad length", errDexTables, i)
		}
		b := r.data[p]
		p++
		if b&0x80 == 0 {
			break
		}
	}

	end := bytes.IndexByte(r.data[p:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: string %d not terminated", errDexTables, i)
	}
	s := string(r.data[p : p+uint64(end)])
	r.cache[i] = s
	return s, nil
}
