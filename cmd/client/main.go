// Demo terminal client: joins a room, appends lines typed on stdin to the
// shared document, and prints the document whenever a remote edit lands.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kolabio/kolab/internal/client"
	"github.com/kolabio/kolab/internal/roomcode"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	urlVar := flag.String("url", "ws://localhost:8080/ws", "the server websocket url")
	roomVar := flag.String("room", "", "the room code to join (generated when empty)")
	nameVar := flag.String("name", "Anonymous", "the display name to join with")
	flag.Parse()

	code := *roomVar
	if code == "" {
		code = roomcode.Generate()
		fmt.Printf("joining generated room %q\n", code)
	}

	agent := client.New(client.Options{URL: *urlVar})
	defer agent.Destroy()
	coord := client.NewCoordinator(agent, nil)

	if err := agent.JoinRoom(code, *nameVar); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	go func() {
		for ev := range coord.Events() {
			switch ev := ev.(type) {
			case client.SessionJoinedEvent:
				fmt.Printf("joined %s with %d peers, document: %q\n", ev.RoomCode, len(ev.Peers), ev.Text)
			case client.DocumentChangedEvent:
				fmt.Printf("document: %q\n", ev.Text)
			case client.PresenceJoinedEvent:
				fmt.Printf("%s joined (%s)\n", ev.Peer.UserName, ev.Peer.Color)
			case client.PresenceLeftEvent:
				fmt.Printf("peer %s left\n", ev.PeerID)
			case client.ConnectionLostEvent:
				fmt.Println("connection lost, reconnecting...")
			case client.SessionFailedEvent:
				fmt.Printf("session failed: %v\n", ev.Err)
				os.Exit(1)
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			if err := coord.InsertText(len([]rune(coord.Text())), line); err != nil {
				slog.Warn("failed to apply local edit", "error", err)
			}
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	<-exit
	fmt.Println("leaving room")
	return nil
}
