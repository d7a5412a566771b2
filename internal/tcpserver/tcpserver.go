// Package tcpserver implements the line-protocol front-end described in
// SPEC_FULL.md §6: newline-terminated ASCII commands (exit, reindex,
// restore, status) against a live repository handle, one handler
// goroutine per connection.
package tcpserver

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"rzbackup/internal/indexcache"
	"rzbackup/internal/logging"
	"rzbackup/internal/repo"
	"rzbackup/internal/restore"
	"rzbackup/internal/scheduler"
	"rzbackup/internal/zbackup"
)

// Scheduler is the subset of *scheduler.Scheduler the server needs: the
// restore.ChunkGetter contract plus a status snapshot for the status
// command.
type Scheduler interface {
	restore.ChunkGetter
	Status() scheduler.JobStatus
}

// Server fronts a repository with the line protocol. Every handler
// goroutine shares the same *repo.Repository, *indexcache.Cache, and
// Scheduler, relying entirely on their own internal synchronization; the
// server itself holds no additional locks.
type Server struct {
	logger *slog.Logger
	repo   *repo.Repository
	idx    *indexcache.Cache
	sched  Scheduler
}

// New builds a Server bound to repository r, its master index cache idx,
// and its chunk scheduler sched.
func New(logger *slog.Logger, r *repo.Repository, idx *indexcache.Cache, sched Scheduler) *Server {
	return &Server{
		logger: logging.Default(logger).With("component", "tcpserver"),
		repo:   r,
		idx:    idx,
		sched:  sched,
	}
}

// ListenAndServe opens addr and accepts connections until ctx is
// cancelled or Accept returns a non-recoverable error. Each connection is
// served by its own goroutine; ListenAndServe returns once every handler
// has finished.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer ln.Close()

	s.logger.Info("listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
			}
			s.logger.Warn("accept failed", "error", err)
			wg.Wait()
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.logger.Info("connection opened", "peer", peer)
	defer conn.Close()

	if err := s.serve(conn); err != nil {
		s.logger.Warn("connection error", "peer", peer, "error", err)
		return
	}
	s.logger.Info("connection closed", "peer", peer)
}

// serve reads commands off conn until exit, restore, status, or a read
// error ends the connection. reindex and unrecognized commands loop.
func (s *Server) serve(conn net.Conn) error {
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil
			}
			if err != io.EOF {
				return err
			}
		}

		command, rest := parseLine(line)
		if command == "" {
			if err == io.EOF {
				return nil
			}
			continue
		}

		switch command {
		case "exit":
			s.logger.Info("exiting on client request")
			return nil

		case "reindex":
			if err := s.handleReindex(conn); err != nil {
				return err
			}

		case "restore":
			return s.handleRestore(conn, rest)

		case "status":
			return s.handleStatus(conn)

		default:
			if err := s.handleUnrecognized(conn, command); err != nil {
				return err
			}
		}

		if err == io.EOF {
			return nil
		}
	}
}

// parseLine splits a line into its lowercased command word and the
// trimmed remainder, matching the original's splitn(2, ' ') behavior.
func parseLine(line string) (command, rest string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", ""
	}
	parts := strings.SplitN(line, " ", 2)
	command = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return command, rest
}

func (s *Server) handleReindex(conn net.Conn) error {
	s.logger.Info("reindexing")
	if err := s.idx.LoadOrReload(context.Background()); err != nil {
		return writeLine(conn, "ERROR reindex failed: %s\n", err)
	}
	return writeLine(conn, "OK\n")
}

func (s *Server) handleRestore(conn net.Conn, backupName string) error {
	s.logger.Info("restoring", "backup", backupName)
	if err := writeLine(conn, "OK\n"); err != nil {
		return err
	}
	if err := restore.Restore(s.logger, s.repo, s.idx, s.sched, backupName, conn, nil); err != nil {
		s.logger.Warn("restore failed", "backup", backupName, "error", err)
		return err
	}
	return nil
}

func (s *Server) handleStatus(conn net.Conn) error {
	s.logger.Info("reporting status")
	if err := writeLine(conn, "OK\n"); err != nil {
		return err
	}

	status := s.sched.Status()
	payload := struct {
		BundlesLoading []string `json:"bundles-loading"`
		BundlesToLoad  []string `json:"bundles-to-load"`
	}{
		BundlesLoading: hexIDs(status.BundlesLoading),
		BundlesToLoad:  hexIDs(status.BundlesToLoad),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(conn, "%s\n", body)
	return err
}

func (s *Server) handleUnrecognized(conn net.Conn, command string) error {
	s.logger.Info("command not recognised", "command", command)
	return writeLine(conn, "ERROR Command not recognised: %s\n", command)
}

func hexIDs(ids []zbackup.BundleID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, hex.EncodeToString(id[:]))
	}
	return out
}

func writeLine(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
