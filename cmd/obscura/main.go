package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rhelsing/obscura/internal/client"
	"github.com/rhelsing/obscura/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: obscura <command> [flags]

Commands:
  register      -u <username> -p <password>        create an account
  run           -u <username> -p <password>        connect and process messages
  send          -u -p -to <friend> -text <text>    send a text message
  send-file     -u -p -to <friend> -file <path>    send an encrypted file
  friend-add    -u -p -name <username>             send a friend request
  friend-accept -u -p -name <username>             accept a friend request
  approve-link  -u -p -code <code>                 approve a pending device
  reset-all     -u -p                              reset every session
  unlink        -u -p                              purge this device
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	to := fs.String("to", "", "recipient username")
	text := fs.String("text", "", "message text")
	file := fs.String("file", "", "file to send")
	name := fs.String("name", "", "friend username")
	code := fs.String("code", "", "link code")
	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Failed to parse flags: %v", err)
	}
	if *username == "" || *password == "" {
		log.Fatal("FATAL: -u and -p are required")
	}

	cfg := config.Load()

	c, err := client.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize client: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("Warning: failed to close client: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "register" {
		if err := c.Register(ctx, *username, *password); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		log.Printf("Registered %s", *username)
		return
	}

	if err := c.Login(ctx, *username, *password); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	if c.LinkPending() {
		log.Printf("This device is not linked yet. Approve code %s from an existing device.", c.LinkCode())
	}

	switch command {
	case "run":
		log.Printf("Connected as %s; waiting for messages", *username)
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("Gateway stopped: %v", err)
		}
		c.Logout()

	case "send":
		if *to == "" || *text == "" {
			log.Fatal("FATAL: -to and -text are required")
		}
		id, err := c.SendText(ctx, *to, *text)
		if err != nil {
			log.Fatalf("Send failed: %v", err)
		}
		log.Printf("Sent message %s to %s", id, *to)

	case "send-file":
		if *to == "" || *file == "" {
			log.Fatal("FATAL: -to and -file are required")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read %s: %v", *file, err)
		}
		id, err := c.SendFile(ctx, *to, data, http.DetectContentType(data), func(done, total int) {
			log.Printf("Uploading %s: chunk %d/%d", *file, done, total)
		})
		if err != nil {
			log.Fatalf("Send failed: %v", err)
		}
		log.Printf("Sent attachment message %s to %s", id, *to)

	case "friend-add":
		if *name == "" {
			log.Fatal("FATAL: -name is required")
		}
		if err := c.AddFriend(ctx, *name); err != nil {
			log.Fatalf("Friend request failed: %v", err)
		}
		log.Printf("Friend request sent to %s", *name)

	case "friend-accept":
		if *name == "" {
			log.Fatal("FATAL: -name is required")
		}
		if err := c.RespondToFriendRequest(ctx, *name, true); err != nil {
			log.Fatalf("Accept failed: %v", err)
		}
		log.Printf("Accepted %s", *name)

	case "approve-link":
		if *code == "" {
			log.Fatal("FATAL: -code is required")
		}
		if err := c.ApproveLink(ctx, *code); err != nil {
			log.Fatalf("Link approval failed: %v", err)
		}
		log.Printf("Approved device link %s", *code)

	case "reset-all":
		count, err := c.ResetAllSessions(ctx, "manual recovery")
		if err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		log.Printf("Reset %d sessions", count)

	case "unlink":
		if err := c.Unlink(ctx); err != nil {
			log.Fatalf("Unlink failed: %v", err)
		}
		log.Printf("Device unlinked")

	default:
		usage()
	}
}
