package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"minidb/internal/catalog"
	"minidb/internal/logging"
	"minidb/internal/storage"
)

const cliName = "minidb"

func printPrompt() {
	fmt.Print(cliName, "> ")
}

func printMenu() {
	fmt.Println("1) Create    - create a table")
	fmt.Println("2) Use       - open a table's sql> prompt")
	fmt.Println("3) Delete    - drop a row by unique field")
	fmt.Println("4) Transaction - begin/update/commit/abort demo")
	fmt.Println("5) Status    - buffer pool + WAL status")
	fmt.Println("6) Exit")
}

// engine bundles the components a CLI session drives, wired the way
// spec §2's data-flow diagram describes: record store on top of the
// buffer pool and catalog, coordinator on top of the WAL and lock
// manager.
type engine struct {
	logger  *zap.Logger
	pool    *storage.BufferPool
	cat     *catalog.Catalog
	store   *storage.RecordStore
	locks   *storage.LockManager
	wal     *storage.WAL
	coord   *storage.Coordinator
	flusher *storage.Flusher
	cfg     storage.Config
}

func newEngine(logger *zap.Logger) (*engine, error) {
	cfg := storage.NewConfig()
	if err := os.MkdirAll("Tables", 0o755); err != nil {
		return nil, err
	}

	pool := storage.NewBufferPool(cfg, logger)
	cat, err := catalog.New("Tables", pool, logger)
	if err != nil {
		return nil, err
	}
	store := storage.NewRecordStore(cat, pool, logger)
	locks := storage.NewLockManager(logger)
	wal, err := storage.OpenWAL(cfg.WALPath, logger)
	if err != nil {
		return nil, err
	}
	coord := storage.NewCoordinator(wal, locks, logger)
	flusher := storage.NewFlusher(pool, cfg.FlushInterval, logger)
	flusher.Start()

	return &engine{
		logger:  logger,
		pool:    pool,
		cat:     cat,
		store:   store,
		locks:   locks,
		wal:     wal,
		coord:   coord,
		flusher: flusher,
		cfg:     cfg,
	}, nil
}

func (e *engine) shutdown() {
	if err := e.flusher.Stop(); err != nil {
		fmt.Println("error flushing on shutdown:", err)
	}
	if err := e.wal.Close(); err != nil {
		fmt.Println("error closing WAL:", err)
	}
	e.cat.Close()
}

// parseFieldSpec maps one field type token (int4, int8 or stringN) to its
// FieldType and byte length.
func parseFieldSpec(spec string) (storage.FieldType, int, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "int4"):
		return storage.Int4, 4, nil
	case strings.HasPrefix(spec, "int8"):
		return storage.Int8, 8, nil
	case strings.HasPrefix(spec, "string"):
		n, err := strconv.Atoi(strings.TrimSpace(spec[len("string"):]))
		if err != nil {
			return 0, 0, fmt.Errorf("bad string length in %q: %w", spec, err)
		}
		return storage.String, n, nil
	default:
		return 0, 0, fmt.Errorf("unrecognized type %q", spec)
	}
}

func handleCreate(e *engine, reader *bufio.Scanner) {
	fmt.Print("table name: ")
	if !reader.Scan() {
		return
	}
	table := strings.TrimSpace(reader.Text())

	fmt.Println("enter fields as 'name type', blank line to finish (types: int4, int8, stringN):")
	var fields []storage.Field
	for {
		fmt.Print("  field> ")
		if !reader.Scan() {
			return
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			break
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			fmt.Println("expected 'name type'")
			continue
		}
		fieldType, length, err := parseFieldSpec(parts[1])
		if err != nil {
			fmt.Println(err)
			continue
		}
		fields = append(fields, storage.Field{Name: parts[0], Type: fieldType, Length: length})
	}

	fmt.Print("comma-separated unique key fields: ")
	if !reader.Scan() {
		return
	}
	var unique []string
	for _, k := range strings.Split(reader.Text(), ",") {
		if k = strings.TrimSpace(k); k != "" {
			unique = append(unique, k)
		}
	}

	if err := e.cat.CreateTable(table, fields, unique); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("table %q created\n", table)
}

func handleUse(e *engine, reader *bufio.Scanner) {
	fmt.Print("table name: ")
	if !reader.Scan() {
		return
	}
	table := strings.TrimSpace(reader.Text())
	if _, err := e.cat.GetSchema(table); err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Printf("sql> statements for %q: insert v1,v2,...  |  find field value  |  scan  |  scan_ge/le/between field ...  |  EXIT\n", table)
	for {
		fmt.Print("sql> ")
		if !reader.Scan() {
			return
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "EXIT") || line == ";" {
			return
		}
		line = strings.TrimSuffix(line, ";")
		runStatement(e, table, line)
	}
}

func runStatement(e *engine, table, line string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToLower(parts[0])
	rest := ""
	if len(parts) > 1 {
		rest = parts[1]
	}

	switch cmd {
	case "insert":
		values := strings.Split(rest, ",")
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		offset, err := e.store.Insert(table, values)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("inserted at offset", offset)
	case "find":
		args := strings.Fields(rest)
		if len(args) != 2 {
			fmt.Println("usage: find field value")
			return
		}
		row, _, ok, err := e.store.Find(table, args[0], args[1])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if !ok {
			fmt.Println("not found")
			return
		}
		fmt.Println(strings.Join(row.Values, ", "))
	case "scan":
		rows, err := e.store.ScanAll(table)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		for _, row := range rows {
			fmt.Println(strings.Join(row.Values, ", "))
		}
	case "scan_ge", "scan_le":
		args := strings.Fields(rest)
		if len(args) != 2 {
			fmt.Println("usage:", cmd, "field value")
			return
		}
		var rows []storage.Row
		var err error
		if cmd == "scan_ge" {
			rows, err = e.store.ScanGe(table, args[0], args[1])
		} else {
			rows, err = e.store.ScanLe(table, args[0], args[1])
		}
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		for _, row := range rows {
			fmt.Println(strings.Join(row.Values, ", "))
		}
	case "scan_between":
		args := strings.Fields(rest)
		if len(args) != 3 {
			fmt.Println("usage: scan_between field low high")
			return
		}
		rows, err := e.store.ScanBetween(table, args[0], args[1], args[2])
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		for _, row := range rows {
			fmt.Println(strings.Join(row.Values, ", "))
		}
	default:
		fmt.Println("unrecognized statement:", cmd)
	}
}

func handleDelete(e *engine, reader *bufio.Scanner) {
	fmt.Print("table field value: ")
	if !reader.Scan() {
		return
	}
	args := strings.Fields(reader.Text())
	if len(args) != 3 {
		fmt.Println("usage: table field value")
		return
	}
	result, err := e.store.Delete(args[0], args[1], args[2])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(result)
}

func handleTransaction(e *engine, reader *bufio.Scanner) {
	txnID, err := e.coord.Begin()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("txn", txnID, "began; commands: update table keyfield keyvalue field newvalue | commit | abort")
	for {
		fmt.Print("txn> ")
		if !reader.Scan() {
			return
		}
		line := strings.TrimSpace(reader.Text())
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch strings.ToLower(parts[0]) {
		case "commit":
			if err := e.coord.Commit(txnID); err != nil {
				fmt.Println("error:", err)
			}
			return
		case "abort":
			if err := e.coord.Abort(txnID); err != nil {
				fmt.Println("error:", err)
			}
			return
		case "update":
			if len(parts) != 6 {
				fmt.Println("usage: update table keyfield keyvalue field newvalue")
				continue
			}
			table, keyField, keyValue, field, newValue := parts[1], parts[2], parts[3], parts[4], parts[5]
			row, offset, found, err := e.store.Find(table, keyField, keyValue)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if !found {
				fmt.Println("not found")
				continue
			}

			resource := fmt.Sprintf("%s:row:%d", table, offset)
			if err := e.coord.Acquire(txnID, resource, storage.Exclusive); err != nil {
				fmt.Println("error:", err)
				continue
			}

			schema, err := e.cat.GetSchema(table)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			beforeValue, _ := row.Get(schema, field)
			if err := e.coord.LogUpdate(txnID, table, offset, beforeValue, newValue); err != nil {
				fmt.Println("error:", err)
				continue
			}
			if err := e.store.Update(table, offset, field, newValue); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("updated")
		default:
			fmt.Println("unrecognized:", parts[0])
		}
	}
}

func handleStatus(e *engine) {
	for _, st := range e.pool.Stats() {
		fmt.Printf("%s: resident=%d/%d pinned=%d dirty=%d\n", st.Tag, st.Resident, st.Capacity, st.Pinned, st.Dirty)
	}
	records, err := storage.Replay(e.cfg.WALPath)
	if err != nil {
		fmt.Println("error reading WAL:", err)
		return
	}
	fmt.Println("WAL records:", len(records))
	for _, r := range records {
		fmt.Printf("  txn=%d kind=%s table=%s offset=%d\n", r.TxnID, r.Kind, r.Table, r.Offset)
	}
}

func main() {
	logConf := logging.DefaultConfig()

	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	l, err := logging.ParseLevel(level)
	if err != nil {
		panic(err)
	}
	logConf.Level = zap.NewAtomicLevelAt(l)

	logger, err := logConf.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	e, err := newEngine(logger)
	if err != nil {
		panic(err)
	}

	done := make(chan struct{})
	wg := new(sync.WaitGroup)
	wg.Add(1)

	go func() {
		defer wg.Done()
		reader := bufio.NewScanner(os.Stdin)
		for {
			select {
			case <-done:
				return
			default:
			}
			printMenu()
			printPrompt()
			if !reader.Scan() {
				close(done)
				return
			}
			switch strings.TrimSpace(reader.Text()) {
			case "1":
				handleCreate(e, reader)
			case "2":
				handleUse(e, reader)
			case "3":
				handleDelete(e, reader)
			case "4":
				handleTransaction(e, reader)
			case "5":
				handleStatus(e)
			case "6":
				close(done)
				return
			default:
				fmt.Println("unrecognized choice")
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-done:
	}

	e.shutdown()
	wg.Wait()
}
