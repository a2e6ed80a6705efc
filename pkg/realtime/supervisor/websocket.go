package supervisor

import (
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	log "github.com/sirupsen/logrus"
)

type outboxFlag int

const (
	flagContinue outboxFlag = iota
	flagCloseGracefully
	flagTerminate
)

type outboxMessage struct {
	flag outboxFlag
	data []byte
}

type inboxMessage struct {
	data []byte
}

// wsDriver pumps frames between one websocket connection and the
// supervisor. Reading and writing run on separate goroutines so one
// slow direction never stalls the other.
type wsDriver struct {
	conn   net.Conn
	inbox  chan *inboxMessage
	outbox chan *outboxMessage

	terminateCh    chan<- struct{}
	terminatedOnce sync.Once

	stopCh   chan struct{}
	stopOnce sync.Once

	wg sync.WaitGroup
}

func newWSDriver(conn net.Conn, terminateCh chan<- struct{}) *wsDriver {
	return &wsDriver{
		conn:        conn,
		inbox:       make(chan *inboxMessage, 100),
		outbox:      make(chan *outboxMessage, 100),
		terminateCh: terminateCh,
		stopCh:      make(chan struct{}),
	}
}

func (d *wsDriver) Start() {
	d.wg.Add(1)
	go d.inboxWorker()
	d.wg.Add(1)
	go d.outboxWorker()
}

// Wait blocks until both workers exited. Called by the HTTP handler
// after the terminate channel fired, before it closes the socket.
func (d *wsDriver) Wait() {
	d.wg.Wait()
	log.Debug("websocket driver closed")
}

func (d *wsDriver) Send(data []byte) bool {
	select {
	case d.outbox <- &outboxMessage{flag: flagContinue, data: cloneFrame(data)}:
		return true
	default:
		return false // outbox is full
	}
}

func (d *wsDriver) CloseGraceful(data []byte) {
	select {
	case d.outbox <- &outboxMessage{flag: flagCloseGracefully, data: cloneFrame(data)}:
	default:
		// No room for a farewell frame; tear down instead.
		d.Terminate()
	}
}

func (d *wsDriver) Terminate() {
	d.safeCloseTerminateChannel()
}

func (d *wsDriver) workerExit() {
	defer d.wg.Done()
	d.safeCloseTerminateChannel()
	d.safeCloseStopChannel()
}

func (d *wsDriver) safeCloseTerminateChannel() {
	d.terminatedOnce.Do(func() {
		close(d.terminateCh)
	})
}

func (d *wsDriver) safeCloseStopChannel() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
}

func (d *wsDriver) inboxWorker() {
	defer d.workerExit()

	state := ws.StateServerSide
	ch := wsutil.ControlFrameHandler(d.conn, state)

	r := &wsutil.Reader{
		Source:         d.conn,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: ch,
	}

	for {
		h, err := r.NextFrame()
		if err != nil {
			// The read side errors when the peer vanishes or the handler
			// closed the socket underneath us. Either way we just exit;
			// the echo handler does not expect an error at this stage.
			log.Debugf("websocket read frame error: %v", err)
			return
		}

		if h.OpCode.IsControl() {
			// OpClose means the client hung up gracefully; exit before
			// trying to answer the frame.
			if h.OpCode == ws.OpClose {
				log.Debug("websocket connection closed by peer")
				return
			}
			if err = ch(h, r); err != nil {
				log.Errorf("websocket control frame error: %v", err)
				return
			}
			continue
		}

		data, err := io.ReadAll(r)
		if err != nil {
			log.Errorf("websocket read error: %v", err)
			return
		}

		select {
		case d.inbox <- &inboxMessage{data: data}:
		case <-d.stopCh:
			return
		}
	}
}

func (d *wsDriver) outboxWorker() {
	defer d.workerExit()

	state := ws.StateServerSide
	w := wsutil.NewWriter(d.conn, state, 0)

	for {
		select {
		case m := <-d.outbox:
			if m.data != nil {
				if err := webSocketWriteText(d.conn, w, state, m.data); err != nil {
					log.Errorf("websocket terminates because of write error: %s", err.Error())
					return
				}
			}

			switch m.flag {
			case flagCloseGracefully:
				webSocketCloseGraceful(d.conn, w, state)
				return
			case flagTerminate:
				return
			}
		case <-d.stopCh:
			return
		}
	}
}

func webSocketWriteText(conn net.Conn, w *wsutil.Writer, state ws.State, data []byte) error {
	w.Reset(conn, state, ws.OpText)

	var err error
	if _, err = w.Write(data); err == nil {
		err = w.Flush()
	}
	return err
}

func webSocketCloseGraceful(conn net.Conn, w *wsutil.Writer, state ws.State) {
	w.Reset(conn, state, ws.OpClose)

	var err error
	if _, err = w.Write([]byte("")); err == nil {
		err = w.Flush()
	}
	if err != nil {
		log.Debugf("websocket close frame write error: %s", err.Error())
	}
}

func cloneFrame(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
