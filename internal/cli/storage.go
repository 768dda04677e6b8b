package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wwwzy/TrafficAgent/internal/storage"
)

// storageCmd represents the storage command
var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "管理存储和数据库",
	Long:  `提供查看数据库概况、查询历史运行和清理过期记录的命令。`,
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "显示数据库统计概况",
	Run:   runInfo,
}

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "查询历史运行记录",
	Run:   runHistory,
}

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "清理过期的运行与审计记录",
	Long:  `按天数清理旧的运行记录和审计记录，忽略后台定时任务的间隔立即执行。`,
	Run:   runPrune,
}

var (
	historyTraceID string
	historyStatus  string
	historyLimit   int

	pruneRunDays   int
	pruneAuditDays int
)

func init() {
	rootCmd.AddCommand(storageCmd)
	storageCmd.AddCommand(infoCmd)
	storageCmd.AddCommand(historyCmd)
	storageCmd.AddCommand(pruneCmd)

	historyCmd.Flags().StringVar(&historyTraceID, "trace-id", "", "按 TraceID 精确过滤")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "按终态过滤（done/failed）")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "最多返回 N 条记录")

	pruneCmd.Flags().IntVar(&pruneRunDays, "run-days", 0, "保留最近 N 天的运行记录")
	pruneCmd.Flags().IntVar(&pruneAuditDays, "audit-days", 0, "保留最近 N 天的审计记录")
}

func openStore(ctx context.Context) *storage.Storage {
	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runInfo(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if cfg == nil {
		fmt.Println("Config not loaded")
		os.Exit(1)
	}

	// 1. 获取数据库文件信息
	dbPath := cfg.Storage.Path
	if !filepath.IsAbs(dbPath) {
		if absPath, err := filepath.Abs(dbPath); err == nil {
			dbPath = absPath
		}
	}

	var dbSizeStr string
	info, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			dbSizeStr = "Not Found (Will be created on first run)"
		} else {
			dbSizeStr = fmt.Sprintf("Error: %v", err)
		}
	} else {
		sizeMB := float64(info.Size()) / 1024 / 1024
		dbSizeStr = fmt.Sprintf("%.2f MB (%s)", sizeMB, dbPath)
	}

	// 2. 连接数据库
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Printf("Database File: %s\n", dbSizeStr)
		fmt.Printf("Error opening database: %v\n", err)
		return
	}
	defer store.Close()

	// 3. 获取统计信息
	runCount, err := store.CountRunRecords(ctx)
	if err != nil {
		fmt.Printf("Error counting run records: %v\n", err)
	}
	auditCount, err := store.CountAuditRecords(ctx)
	if err != nil {
		fmt.Printf("Error counting audit records: %v\n", err)
	}

	// 4. 格式化输出
	fmt.Printf("Database File: %s\n\n", dbSizeStr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Table\tCount")
	fmt.Fprintln(w, "-----\t-----")
	fmt.Fprintf(w, "RunRecords\t%d\n", runCount)
	fmt.Fprintf(w, "AuditRecords\t%d\n", auditCount)
	w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	store := openStore(ctx)
	defer store.Close()

	records, err := store.QueryRunRecords(ctx, storage.RunQuery{
		TraceID: historyTraceID,
		Status:  historyStatus,
		Limit:   historyLimit,
		Desc:    true,
	})
	if err != nil {
		fmt.Printf("Error querying run records: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("No run records found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "StartedAt\tTraceID\tRoute\tStatus\tScore\tRetries")
	for _, rec := range records {
		route := rec.Origin + " → " + rec.Destination
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%d\n",
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.TraceID, route, rec.Status, rec.ReflectionScore, rec.RetryCount)
	}
	w.Flush()
}

func runPrune(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	if pruneRunDays <= 0 && pruneAuditDays <= 0 {
		fmt.Println("Error: must specify either --run-days or --audit-days")
		cmd.Usage()
		os.Exit(1)
	}

	store := openStore(ctx)
	defer store.Close()

	var deletedTotal int64

	if pruneRunDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -pruneRunDays)
		fmt.Printf("Pruning run records older than %d days (before %s)...\n", pruneRunDays, before.Format(time.RFC3339))
		count, err := store.DeleteRunRecordsBefore(ctx, before)
		if err != nil {
			fmt.Printf("Error pruning run records: %v\n", err)
			os.Exit(1)
		}
		deletedTotal += count
	}

	if pruneAuditDays > 0 {
		before := time.Now().UTC().AddDate(0, 0, -pruneAuditDays)
		fmt.Printf("Pruning audit records older than %d days (before %s)...\n", pruneAuditDays, before.Format(time.RFC3339))
		count, err := store.DeleteAuditRecordsBefore(ctx, before)
		if err != nil {
			fmt.Printf("Error pruning audit records: %v\n", err)
			os.Exit(1)
		}
		deletedTotal += count
	}

	fmt.Printf("Prune completed. Deleted %d records.\n", deletedTotal)

	if count, err := store.CountRunRecords(ctx); err == nil {
		fmt.Printf("Remaining Run Records: %d\n", count)
	}
	if count, err := store.CountAuditRecords(ctx); err == nil {
		fmt.Printf("Remaining Audit Records: %d\n", count)
	}
}
