// Command distserver runs the distribution server: it answers
// RequestModel/RequestStateDict/TrainData/GameResult frames from self-play
// workers over a plain TCP socket.
package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"github.com/korrigan-ai/selfplaycore/distserver"
	"github.com/korrigan-ai/selfplaycore/wire"
)

var (
	addr         = flag.String("addr", "127.0.0.1:7654", "address to listen on, empty for an ephemeral port")
	trainDataOut = flag.String("train_data_dir", "", "directory to append received TrainData blobs to, empty to discard")
)

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "distserver: ", log.Ltime)

	var onTrainData distserver.TrainDataHandler
	if *trainDataOut != "" {
		if err := os.MkdirAll(*trainDataOut, 0o755); err != nil {
			logger.Fatalf("create train_data_dir: %v", err)
		}
		seq := 0
		onTrainData = func(blob []byte) {
			seq++
			path := *trainDataOut + "/sample-" + strconv.Itoa(seq) + ".bin"
			if err := os.WriteFile(path, blob, 0o644); err != nil {
				logger.Printf("write train data: %v", err)
			}
		}
	}

	srv := distserver.New(logger, onTrainData)
	sock, err := wire.Listen(*addr, srv.Handle)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	logger.Printf("listening on %s", sock.Addr())
	if err := sock.Serve(); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}
