// Command sendvoxels sends set, erase or command packets to a voxel server over UDP or the
// WebSocket bridge.
//
//	sendvoxels -server 127.0.0.1:40106 -i scene.svo
//	sendvoxels -c 0123:ff8800 0124:00ff00
//	sendvoxels -erase 0123
//	sendvoxels -z erase\ all
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"voxelshard.ai/internal/encoding"
	"voxelshard.ai/internal/logging"
	"voxelshard.ai/internal/octree"
	"voxelshard.ai/internal/persistence/snapshot"
	"voxelshard.ai/internal/protocol"
)

func main() {
	var (
		serverAddr  = flag.String("server", "127.0.0.1:40106", "server UDP address")
		wsURL       = flag.String("url", "", "send over the WebSocket bridge instead of UDP, e.g. ws://127.0.0.1:40180/ws")
		input       = flag.String("i", "", "record file to send (plain or zstd)")
		destructive = flag.Bool("c", false, "send destructive sets (replace existing subtrees)")
		erase       = flag.Bool("erase", false, "erase the given codes instead of setting them")
		command     = flag.String("z", "", "send one Z command and exit")
		firstItem   = flag.Uint("item", 0, "item number of the first packet")
		pace        = flag.Duration("pace", time.Millisecond, "pause between packets")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, sync := logging.New(logging.Options{Level: *logLevel})
	defer sync()

	packets, err := buildPackets(*command, *input, flag.Args(), *destructive, *erase, uint16(*firstItem))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(packets) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to send: pass -i, -z or code:rrggbb arguments")
		os.Exit(2)
	}

	out, err := dial(*serverAddr, *wsURL)
	if err != nil {
		log.Fatalw("dial", "error", err)
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	var bytes uint64
	for i, b := range packets {
		if err := out.Write(ctx, b); err != nil {
			log.Fatalw("send", "packet", i, "error", err)
		}
		bytes += uint64(len(b))
		if *pace > 0 && i < len(packets)-1 {
			time.Sleep(*pace)
		}
	}
	log.Infow("sent",
		"packets", len(packets),
		"bytes", humanize.Bytes(bytes),
		"took", time.Since(start).Round(time.Millisecond),
	)
}

func buildPackets(command, input string, args []string, destructive, erase bool, first uint16) ([][]byte, error) {
	if command != "" {
		return [][]byte{protocol.AppendCommand(protocol.AppendHeader(nil, protocol.TypeZCommand), command)}, nil
	}

	typ := protocol.TypeSetVoxel
	switch {
	case erase:
		typ = protocol.TypeEraseVoxel
	case destructive:
		typ = protocol.TypeSetVoxelDestructive
	}
	pk, err := protocol.NewPacker(typ, first)
	if err != nil {
		return nil, err
	}

	if input != "" {
		data, err := snapshot.ReadFile(input)
		if err != nil {
			return nil, err
		}
		dec := encoding.NewDecoder(data, octree.MaxCodeLength)
		for {
			rec, err := dec.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, errors.Wrapf(err, "%s at byte %d", input, dec.Offset())
			}
			if err := pk.Add(rec); err != nil {
				return nil, err
			}
		}
	}
	for _, a := range args {
		rec, err := parseArg(a, erase)
		if err != nil {
			return nil, err
		}
		if err := pk.Add(rec); err != nil {
			return nil, err
		}
	}
	return pk.Packets(), nil
}

// parseArg reads "code:rrggbb"; erase arguments are a bare code.
func parseArg(a string, erase bool) (encoding.Record, error) {
	code, hexColor, found := strings.Cut(a, ":")
	p, err := octree.ParsePath(code)
	if err != nil {
		return encoding.Record{}, errors.Wrapf(err, "argument %q", a)
	}
	if erase {
		return encoding.Record{Path: p}, nil
	}
	if !found {
		return encoding.Record{}, errors.Errorf("argument %q: want code:rrggbb", a)
	}
	c, err := hex.DecodeString(hexColor)
	if err != nil || len(c) != 3 {
		return encoding.Record{}, errors.Errorf("argument %q: color must be six hex digits", a)
	}
	return encoding.Record{Path: p, Color: octree.Color{R: c[0], G: c[1], B: c[2]}}, nil
}

type writer interface {
	Write(ctx context.Context, b []byte) error
	Close() error
}

type udpWriter struct{ conn *net.UDPConn }

func (w udpWriter) Write(_ context.Context, b []byte) error {
	_, err := w.conn.Write(b)
	return err
}

func (w udpWriter) Close() error { return w.conn.Close() }

type wsWriter struct{ conn *websocket.Conn }

func (w wsWriter) Write(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (w wsWriter) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.conn.Close()
}

func dial(serverAddr, wsURL string) (writer, error) {
	if wsURL != "" {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return nil, err
		}
		return wsWriter{conn: conn}, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return udpWriter{conn: conn}, nil
}
