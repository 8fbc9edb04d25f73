package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lobby-ratings/internal/client"
	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/director"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/kafka"
	"github.com/lobby-ratings/internal/session"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

// readySignal forwards game-ready notices to a channel.
type readySignal chan int

func (r readySignal) GameReady(gameOID int) {
	select {
	case r <- gameOID:
	default:
	}
}

// seat is one simulated player connected to the lobby.
type seat struct {
	player   *domain.Player
	client   *client.Client
	director *director.Director
	ready    readySignal
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Lobby server base URL")
	lobbyID := flag.String("lobby", "main", "Lobby to play in")
	gameIdent := flag.String("game", "chess", "Game identifier")
	gameID := flag.Int("game-id", 1, "Game id used for ratings")
	pairs := flag.Int("pairs", 4, "Number of concurrent two-player tables")
	matches := flag.Int("matches", 10, "Matches per pair")
	gameLength := flag.Duration("game-length", 5*time.Minute, "Reported length of each match")
	brokers := flag.String("brokers", "", "Kafka brokers (comma-separated); empty posts events over HTTP")
	topic := flag.String("topic", "match-events", "Kafka topic")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Match Simulator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Server:           %s\n", *server)
	fmt.Printf("  Lobby:            %s\n", *lobbyID)
	fmt.Printf("  Game:             %s (%d)\n", *gameIdent, *gameID)
	fmt.Printf("  Pairs:            %d\n", *pairs)
	fmt.Printf("  Matches/pair:     %d\n", *matches)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seats := make([]*seat, 2**pairs)
	for i := range seats {
		seats[i] = connect(ctx, *server, *lobbyID, i, logger)
	}

	// Game end events go to Kafka when brokers are given, else over HTTP.
	report := session.PublishFunc(seats[0].client.PostMatchEvent)
	if *brokers != "" {
		producer, err := kafka.NewProducer(&config.KafkaConfig{
			Brokers: strings.Split(*brokers, ","),
			Topic:   *topic,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to create producer: %v", err)
		}
		defer producer.Close()
		report = producer.Publish
	}

	cfg := domain.GameConfig{GameIdent: *gameIdent, GameID: *gameID, Rated: true}
	var played, failed int64
	var wg sync.WaitGroup
	for p := 0; p < *pairs; p++ {
		wg.Add(1)
		go func(owner, guest *seat) {
			defer wg.Done()
			for m := 0; m < *matches && ctx.Err() == nil; m++ {
				if err := playMatch(ctx, owner, guest, cfg, *gameLength, report); err != nil {
					atomic.AddInt64(&failed, 1)
					log.Printf("match failed: %v", err)
					continue
				}
				atomic.AddInt64(&played, 1)
			}
		}(seats[2*p], seats[2*p+1])
	}

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			fmt.Printf("\n✓ Completed. Played: %d, Failed: %d\n", atomic.LoadInt64(&played), atomic.LoadInt64(&failed))
			return
		case <-statsTicker.C:
			fmt.Printf("[%s] Played: %d | Failed: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&played),
				atomic.LoadInt64(&failed),
			)
		}
	}
}

// connect opens a player's lobby stream and mirror.
func connect(ctx context.Context, server, lobbyID string, idx int, logger *slog.Logger) *seat {
	p := &domain.Player{
		BodyOID:  idx + 1,
		PlayerID: 10_000 + idx,
		Name:     getPlayerName(idx),
	}
	c := client.New(server, p, nil, logger)
	d := director.New(p, c, logger)
	s := &seat{player: p, client: c, director: d, ready: make(readySignal, 1)}
	d.AddGameReadyObserver(s.ready)

	go func() {
		if err := c.Stream(ctx, lobbyID, d, nil); err != nil {
			log.Printf("%s lost the lobby stream: %v", p.Name, err)
		}
	}()
	// let the subscription land before the snapshot
	time.Sleep(100 * time.Millisecond)
	if err := d.EnterLobby(ctx, lobbyID); err != nil {
		log.Fatalf("%s could not enter lobby: %v", p.Name, err)
	}
	return s
}

// playMatch seats owner and guest at a new table, waits for the game and
// reports a random result.
func playMatch(
	ctx context.Context,
	owner, guest *seat,
	cfg domain.GameConfig,
	gameLength time.Duration,
	report session.PublishFunc,
) error {
	t, err := owner.director.CreateTable(ctx, domain.TableConfig{DesiredPlayerCount: 2}, cfg)
	if err != nil {
		return fmt.Errorf("creating table: %w", err)
	}
	if err := guest.director.JoinTable(ctx, t.TableID, 1); err != nil {
		_ = owner.director.LeaveTable(ctx, t.TableID)
		return fmt.Errorf("joining table %d: %w", t.TableID, err)
	}

	var matchID int
	select {
	case matchID = <-owner.ready:
	case <-time.After(2 * time.Second):
		// the server may run with manual start
		if err := owner.director.StartTableNow(ctx, t.TableID); err != nil {
			return fmt.Errorf("starting table %d: %w", t.TableID, err)
		}
		select {
		case matchID = <-owner.ready:
		case <-time.After(10 * time.Second):
			return fmt.Errorf("table %d never became ready", t.TableID)
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	// drain the guest's notice for the next round
	select {
	case <-guest.ready:
	case <-time.After(time.Second):
	}

	ownerWins := rand.Intn(2) == 0
	draw := rand.Intn(10) == 0
	return report(ctx, domain.MatchEvent{
		Type:      domain.EventGameDidEnd,
		MatchID:   matchID,
		GameID:    cfg.GameID,
		Rated:     cfg.Rated,
		Winners:   []bool{ownerWins && !draw, !ownerWins && !draw},
		Draw:      draw,
		Scores:    []float64{float64(rand.Intn(1000)), float64(rand.Intn(1000))},
		Timestamp: time.Now().Add(gameLength).UTC(),
	})
}
