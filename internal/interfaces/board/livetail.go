package board

import (
	"bufio"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Qitor/qitos/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // board binds to loopback by default
	},
}

const (
	tailPollInterval = 500 * time.Millisecond
	tailPingInterval = 30 * time.Second
)

// handleLiveTail streams appended events.jsonl lines of one run to a
// websocket client. Because the trace is single-writer append-only, tailing
// the file is a faithful live event feed.
func (s *Server) handleLiveTail(c *gin.Context) {
	runID := filepath.Base(c.Param("id"))
	eventsPath := filepath.Join(s.logDir, runID, "events.jsonl")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader loop only to detect client close.
	done := make(chan struct{})
	safego.Go(s.logger, "livetail-reader", func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var offset int64
	poll := time.NewTicker(tailPollInterval)
	defer poll.Stop()
	ping := time.NewTicker(tailPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		case <-poll.C:
			lines, next, err := readNewLines(eventsPath, offset)
			if err != nil {
				continue // run may not have started writing yet
			}
			offset = next
			for _, line := range lines {
				if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
					return
				}
			}
		}
	}
}

// readNewLines returns complete lines appended past the offset and the new
// offset. A partial trailing line stays unconsumed until its newline lands.
func readNewLines(path string, offset int64) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	var lines [][]byte
	next := offset
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break // partial line or EOF: wait for more
		}
		next += int64(len(line))
		trimmed := make([]byte, len(line)-1)
		copy(trimmed, line[:len(line)-1])
		if len(trimmed) > 0 {
			lines = append(lines, trimmed)
		}
	}
	return lines, next, nil
}
