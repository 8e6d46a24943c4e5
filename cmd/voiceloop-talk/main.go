// Command voiceloop-talk is an interactive terminal client for a voiceloop
// service. It streams microphone audio over one duplex channel, observes the
// turn-taking state machine, and plays the agent's spoken replies.
//
// Usage:
//
//	voiceloop-talk -endpoint ws://localhost:8000/ws
//
// Controls:
//
//	talk   start a turn (microphone on)
//	stop   end the utterance early
//	quit   close the session and exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/voiceloop/voiceloop/internal/dotenv"
	voiceloop "github.com/voiceloop/voiceloop/sdk"
)

type options struct {
	endpoint       string
	chunkMS        int
	speechFloor    int
	speechMinBytes int
	pauseChunks    int
	silenceChunks  int
	connectTimeout time.Duration
	debug          bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	var opt options
	flag.StringVar(&opt.endpoint, "endpoint", strings.TrimSpace(os.Getenv("VOICELOOP_ENDPOINT")), "Voice service URL (http(s):// or ws(s)://); also reads VOICELOOP_ENDPOINT")
	flag.IntVar(&opt.chunkMS, "chunk-ms", 1000, "Microphone chunk interval in ms (default: 1000)")
	flag.IntVar(&opt.speechFloor, "speech-threshold-abs", 500, "PCM16 abs amplitude floor; quieter frames are dropped from the chunk (default: 500)")
	flag.IntVar(&opt.speechMinBytes, "speech-min-bytes", 1000, "Chunk byte size at or above which a chunk counts as speech (default: 1000)")
	flag.IntVar(&opt.pauseChunks, "pause-chunks", 2, "Consecutive silent chunks before a mid-utterance flush (default: 2)")
	flag.IntVar(&opt.silenceChunks, "silence-chunks", 5, "Consecutive silent chunks before capture stops (default: 5)")
	flag.DurationVar(&opt.connectTimeout, "connect-timeout", 15*time.Second, "Dial timeout for the duplex channel (default: 15s)")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging (state transitions, chunk decisions)")
	flag.Parse()

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if strings.TrimSpace(opt.endpoint) == "" {
		fmt.Fprintln(os.Stderr, "an endpoint is required: pass -endpoint or set VOICELOOP_ENDPOINT")
		return 2
	}

	malgoConfig := malgo.ContextConfig{}
	malgoConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, malgoConfig, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init audio context:", err)
		return 1
	}
	defer func() { _ = malgoCtx.Uninit() }()

	mic := newMicSource(malgoCtx, time.Duration(opt.chunkMS)*time.Millisecond, opt.speechFloor)

	client, err := voiceloop.NewClient(opt.endpoint,
		voiceloop.WithLogger(logger),
		voiceloop.WithChunkSource(mic),
		voiceloop.WithPlayer(&mp3Player{}),
		voiceloop.WithConnectTimeout(opt.connectTimeout),
		voiceloop.WithThresholds(voiceloop.Thresholds{
			SpeechMinBytes: opt.speechMinBytes,
			PauseChunks:    opt.pauseChunks,
			SilenceChunks:  opt.silenceChunks,
		}),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configure client:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := client.Connect(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return 1
	}
	defer sess.Close()

	fmt.Printf("connected (session %s)\n", sess.ID())
	fmt.Println("commands: talk | stop | quit")

	go printEvents(sess)
	go func() {
		<-ctx.Done()
		_ = sess.Close()
	}()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-sess.Done():
			fmt.Println("session ended")
			return 0

		case line, ok := <-lines:
			if !ok {
				return 0
			}
			switch line {
			case "talk", "t":
				if err := sess.StartTalk(); err != nil {
					fmt.Fprintln(os.Stderr, "talk:", err)
					if isFatal(err) {
						return 1
					}
				}
			case "stop", "s":
				if err := sess.StopTalk(); err != nil {
					fmt.Fprintln(os.Stderr, "stop:", err)
				}
			case "quit", "q", "exit":
				return 0
			case "":
			default:
				fmt.Println("commands: talk | stop | quit")
			}
		}
	}
}

func printEvents(sess *voiceloop.Session) {
	for ev := range sess.Events() {
		switch e := ev.(type) {
		case voiceloop.TranscriptEvent:
			fmt.Printf("you: %s\n", e.Text)
		case voiceloop.ReplyTextEvent:
			fmt.Printf("agent: %s\n", e.Text)
		case voiceloop.StateChangeEvent:
			fmt.Printf("-- %s\n", e.To)
		case voiceloop.PlaybackStartedEvent:
			fmt.Printf("-- playing reply (%d bytes)\n", e.Bytes)
		case voiceloop.NoticeEvent:
			fmt.Printf("[%s] %s\n", e.Level, e.Message)
		}
	}
}

func isFatal(err error) bool {
	var coreErr *voiceloop.Error
	if errors.As(err, &coreErr) {
		return coreErr.IsFatal()
	}
	return false
}
