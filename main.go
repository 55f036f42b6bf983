// RTLAMR - An rtl-sdr receiver for smart meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bemasher/rtlgridstream/parse"
	"github.com/bemasher/rtltcp"

	_ "github.com/bemasher/rtlgridstream/gridstream"
)

var rcvr Receiver

type Receiver struct {
	rtltcp.SDR
	p  parse.Parser
	fc parse.FilterChain

	// Sample source, either the rtl_tcp connection or -infile.
	src  io.Reader
	file *os.File

	stop chan struct{}
}

func (rcvr *Receiver) NewReceiver() error {
	opts, err := Options()
	if err != nil {
		return err
	}

	rcvr.p, err = parse.NewParser("gridstream", opts)
	if err != nil {
		return err
	}

	rcvr.stop = make(chan struct{}, 1)

	cfg := rcvr.p.Cfg()

	gainFlagSet := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "centerfreq":
			cfg.CenterFreq = uint32(rcvr.Flags.CenterFreq)
		case "samplerate":
			log.WithField("SampleRate", cfg.SampleRate).Warn("sample rate is fixed, ignoring -samplerate")
		case "gainbyindex", "tunergainmode", "tunergain", "agcmode":
			gainFlagSet = true
		case "unique":
			rcvr.fc.Add(NewUniqueFilter())
		case "filterid":
			rcvr.fc.Add(meterID)
		case "filtertype":
			rcvr.fc.Add(meterType)
		}
	})

	if *inFilename != "" {
		if err := rcvr.open(*inFilename); err != nil {
			return err
		}
		rcvr.p.Log()
		return nil
	}

	// Connect to rtl_tcp server.
	if err := rcvr.Connect(nil); err != nil {
		return err
	}
	rcvr.src = rcvr.SDR.TCPConn

	if err := rcvr.HandleFlags(); err != nil {
		return err
	}

	rcvr.SetCenterFreq(cfg.CenterFreq)
	rcvr.SetSampleRate(uint32(cfg.SampleRate))

	if !gainFlagSet {
		rcvr.SetGainMode(true)
	}

	rcvr.p.Log()

	// Tell the user how many gain settings were reported by rtl_tcp.
	log.WithField("GainCount", rcvr.SDR.Info.GainCount).Info("rtltcp")

	return nil
}

func (rcvr *Receiver) open(filename string) (err error) {
	if filename == "-" {
		rcvr.src = os.Stdin
		return nil
	}

	rcvr.file, err = os.Open(filename)
	if err != nil {
		return err
	}
	rcvr.src = rcvr.file

	log.WithField("infile", filename).Info("reading samples from file")
	return nil
}

func (rcvr *Receiver) Close() {
	rcvr.stop <- struct{}{}
	if rcvr.file != nil {
		rcvr.file.Close()
	}
	if rcvr.SDR.TCPConn != nil {
		rcvr.SDR.Close()
	}
}

func (rcvr *Receiver) Run() {
	// Setup signal channel for interruption.
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Kill, os.Interrupt)

	// Setup time limit channel
	tLimit := make(<-chan time.Time, 1)
	if *timeLimit != 0 {
		tLimit = time.After(*timeLimit)
	}

	cfg := rcvr.p.Cfg()

	sampleBuf := new(bytes.Buffer)
	start := time.Now()

	// Allocate a channel of blocks.
	blockCh := make(chan []byte)

	// Make maps for tracking messages spanning sample blocks.
	prev := map[parse.Digest]bool{}
	next := map[parse.Digest]bool{}

	// Read and send sample blocks to the decoder.
	go func() {
		// Make two sample blocks, one for reading, and one for the receiver to
		// decode, these are exchanged each time we read a new block.
		blockA := make([]byte, cfg.BlockSize2)
		blockB := make([]byte, cfg.BlockSize2)

		// When exiting this goroutine, close the block channel.
		defer close(blockCh)

		for {
			select {
			// Exit if we've been told to stop.
			case <-rcvr.stop:
				return
			default:
				// Read new sample block.
				n, err := io.ReadFull(rcvr.src, blockA)

				// If we get an EOF, decode what's left and exit.
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					log.WithError(err).Info("encountered eof")
					if n &^= 1; n > 0 {
						blockCh <- blockA[:n]
					}
					return
				}

				// If we get a network operation error.
				if opErr, ok := err.(*net.OpError); ok {
					// If temporary, keep reading.
					if opErr.Temporary() {
						log.WithError(opErr).Warn("temporary network error")
						continue
					}

					// If it's not temporary, exit.
					log.WithError(opErr).Error("network error")
					return
				}

				if err != nil {
					log.WithError(err).Error("read samples")
					return
				}

				// Send the sample block.
				blockCh <- blockA

				// Exchange blocks for next read.
				blockA, blockB = blockB, blockA
			}
		}
	}()

	// emit filters, dedupes and encodes messages, it reports whether the
	// receiver is done.
	emit := func(msgs []parse.Message) bool {
		pktFound := false

		for _, msg := range msgs {
			// If the filterchain rejects the message, skip it.
			if !rcvr.fc.Match(msg) {
				continue
			}

			// Make a new LogMessage
			var logMsg parse.LogMessage
			logMsg.Time = time.Now()
			logMsg.Offset, _ = sampleFile.Seek(0, io.SeekCurrent)
			logMsg.Length = sampleBuf.Len()
			logMsg.Message = msg

			// This should be unique enough to identify a message between blocks.
			msgDigest := parse.NewDigest(msg)

			// Mark the message as seen for the next loop.
			next[msgDigest] = true

			// If the message was seen in the previous loop, skip it.
			if prev[msgDigest] {
				continue
			}

			for _, encoder := range encoders {
				if err := encoder.Encode(logMsg); err != nil {
					log.WithError(err).Fatal("error encoding message")
				}
			}

			pktFound = true
			if *single {
				if len(meterID.UintMap) == 0 {
					break
				} else {
					delete(meterID.UintMap, uint(msg.MeterID()))
				}
			}
		}

		if pktFound {
			if *sampleFilename != os.DevNull {
				_, err := sampleFile.Write(sampleBuf.Bytes())
				if err != nil {
					log.WithError(err).Fatal("error writing raw samples to file")
				}
			}
			if *single && len(meterID.UintMap) == 0 {
				return true
			}
		}

		return false
	}

	for {
		// Exit on interrupt or time limit, otherwise receive.
		select {
		case <-sigint:
			return
		case <-tLimit:
			log.WithField("elapsed", time.Since(start)).Info("time limit reached")
			return
		case block, ok := <-blockCh:
			// If blockCh is closed, flush any row in progress and exit.
			if !ok {
				emit(rcvr.p.Parse(rcvr.p.Dec().Flush()))
				return
			}

			// Clear next map for this sample block.
			for key := range next {
				delete(next, key)
			}

			// If dumping samples, discard the oldest block from the buffer if
			// it's full and write the new block to it.
			if *sampleFilename != os.DevNull {
				if sampleBuf.Len() > cfg.BlockSize2<<1 {
					io.CopyN(ioutil.Discard, sampleBuf, int64(len(block)))
				}
				sampleBuf.Write(block)
			}

			rows, err := rcvr.p.Dec().Decode(block)
			if err != nil {
				log.WithError(err).Error("decode block")
				continue
			}

			if emit(rcvr.p.Parse(rows)) {
				return
			}

			// Swap next and previous digest maps.
			next, prev = prev, next
		}
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	log.SetOutput(os.Stderr)
}

var (
	buildTag   = "dev"     // v#.#.#
	buildDate  = "unknown" // date -u '+%Y-%m-%d'
	commitHash = "unknown" // git rev-parse HEAD
)

func main() {
	rcvr.RegisterFlags()
	RegisterFlags()
	EnvOverride(flag.CommandLine, os.Getenv)
	flag.Parse()

	if *version {
		fmt.Println("Build Tag: ", buildTag)
		fmt.Println("Build Date:", buildDate)
		fmt.Println("Commit:    ", commitHash)
		os.Exit(0)
	}

	if err := HandleFlags(); err != nil {
		log.WithError(err).Fatal("invalid flags")
	}
	defer sampleFile.Close()
	if db != nil {
		defer db.Close()
	}

	if *dbDump != 0 {
		if db == nil {
			log.Fatal("-dbdump requires -db")
		}
		if err := DumpStore(os.Stdout, db, time.Now().Add(-*dbDump), meterID.keys()); err != nil {
			log.WithError(err).Fatal("dump database")
		}
		return
	}

	if err := rcvr.NewReceiver(); err != nil {
		log.WithError(err).Fatal("start receiver")
	}
	defer rcvr.Close()

	rcvr.Run()

	if stats, ok := rcvr.p.(interface{ LogStats() }); ok {
		stats.LogStats()
	}
}
