// Package sse 解析 Server-Sent Events 流。
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event 一个 SSE 事件
type Event struct {
	// Type event: 字段，未指定时为空（默认事件类型 message）
	Type string
	// Data 多行 data: 以换行拼接
	Data string
	ID   string
}

// Name 返回事件类型，缺省为 message
func (e Event) Name() string {
	if e.Type == "" {
		return "message"
	}
	return e.Type
}

// Reader 逐个读取事件
type Reader struct {
	br      *bufio.Reader
	current Event
	err     error
}

// NewReader 创建事件读取器
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next 前进到下一个事件，流结束或出错时返回 false
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	r.current = Event{}

	var (
		data    []string
		hasData bool
		evType  string
		evID    string
	)
	emit := func() {
		r.current = Event{Type: evType, Data: strings.Join(data, "\n"), ID: evID}
	}

	for {
		line, err := r.br.ReadString('\n')
		if err != nil && line == "" {
			r.err = err
			if err == io.EOF && hasData {
				emit()
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				emit()
				return true
			}
			evType, evID = "", ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			evType = value
		case "id":
			evID = value
		}
	}
}

// Event 返回最近一次 Next 解析出的事件
func (r *Reader) Event() Event {
	return r.current
}

// Err 返回读取错误，正常 EOF 返回 nil
func (r *Reader) Err() error {
	if r.err == io.EOF {
		return nil
	}
	return r.err
}
