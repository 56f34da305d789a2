package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

var usernameWords = []string{
	"amber", "birch", "cedar", "delta", "ember", "fjord", "grove", "hazel",
	"indigo", "juniper", "krill", "lumen", "maple", "nimbus", "ochre", "pike",
	"quartz", "raven", "sable", "tundra", "umber", "vortex", "willow", "zephyr",
}

// generateUsername combines fragments of two random words plus a numeric
// suffix so concurrent runs don't collide on the same accounts
func generateUsername() string {
	word1 := usernameWords[rand.Intn(len(usernameWords))]
	word2 := usernameWords[rand.Intn(len(usernameWords))]

	frag := func(w string) string {
		n := 3
		if len(w) > 6 {
			n = 3 + rand.Intn(4)
		}
		if n > len(w) {
			n = len(w)
		}
		return w[:n]
	}

	return fmt.Sprintf("%s%s%04d", frag(word1), frag(word2), rand.Intn(10000))
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent       atomic.Int64
	messagesFailed     atomic.Int64
	broadcastsReceived atomic.Int64
	errorEvents        atomic.Int64
	connectionErrors   atomic.Int64
	disconnections     atomic.Int64
}

func (s *Stats) snapshot() (sent, failed, received, connErrors int64) {
	return s.messagesSent.Load(), s.messagesFailed.Load(),
		s.broadcastsReceived.Load(), s.connectionErrors.Load()
}

// BotClient is a fake NDJSON client for load testing
type BotClient struct {
	id       int
	username string
	conn     net.Conn
	reader   *bufio.Reader
	stats    *Stats
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := net.DialTimeout("tcp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &BotClient{
		id:       id,
		username: generateUsername(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		stats:    stats,
	}, nil
}

func (bc *BotClient) sendCommand(cmd protocol.Command) error {
	line, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = bc.conn.Write(line)
	return err
}

// awaitEvent reads lines until an event of the wanted type arrives,
// counting chat broadcasts that pass by in between
func (bc *BotClient) awaitEvent(want string, timeout time.Duration) (map[string]interface{}, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := bc.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		line, err := protocol.ReadLine(bc.reader)
		if err != nil {
			return nil, err
		}

		var ev map[string]interface{}
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}

		switch ev["type"] {
		case want:
			return ev, nil
		case protocol.EventChat:
			bc.stats.broadcastsReceived.Add(1)
		case protocol.EventError:
			bc.stats.errorEvents.Add(1)
			return nil, fmt.Errorf("server error: %v", ev["message"])
		}
	}
}

// Connect registers a fresh account and logs in
func (bc *BotClient) Connect() error {
	register := &protocol.RegisterCommand{
		Username: bc.username,
		Password: "loadtest-password",
	}
	if err := bc.sendCommand(register); err != nil {
		return err
	}
	if _, err := bc.awaitEvent(protocol.EventRegisterOK, 10*time.Second); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	login := &protocol.LoginCommand{
		Username: bc.username,
		Password: "loadtest-password",
	}
	if err := bc.sendCommand(login); err != nil {
		return err
	}
	if _, err := bc.awaitEvent(protocol.EventLoginOK, 10*time.Second); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	return nil
}

func (bc *BotClient) SendRandomMessage() error {
	// 5-20 words per message
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}

	chat := &protocol.ChatCommand{Message: strings.Join(words, " ")}
	if err := bc.sendCommand(chat); err != nil {
		if strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") ||
			strings.Contains(err.Error(), "EOF") {
			bc.stats.disconnections.Add(1)
		}
		bc.stats.messagesFailed.Add(1)
		return err
	}

	bc.stats.messagesSent.Add(1)
	return nil
}

// drainLoop consumes incoming broadcasts so the server's write buffer
// never fills up behind a slow reader
func (bc *BotClient) drainLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		bc.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		line, err := protocol.ReadLine(bc.reader)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}

		var ev map[string]interface{}
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		switch ev["type"] {
		case protocol.EventChat:
			bc.stats.broadcastsReceived.Add(1)
		case protocol.EventError:
			bc.stats.errorEvents.Add(1)
		}
	}
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()

	done := make(chan struct{})
	defer close(done)
	go bc.drainLoop(done)

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandomMessage(); err != nil {
			return
		}

		delay := minDelay + time.Duration(rand.Int63n(int64(maxDelay-minDelay)))
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, received, connErrors := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors",
					sent, float64(sent)/elapsed, received, failed, connErrors)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}

			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stopStats)
	}()

	wg.Wait()
	select {
	case <-stopStats:
	default:
		close(stopStats)
	}

	sent, failed, received, connErrors := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Printf("\n=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d (%.1f/s)", sent, rate)
	log.Printf("Broadcasts received: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("Error events: %d", stats.errorEvents.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)

	if sent > 0 {
		successRate := float64(sent) / float64(sent+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
