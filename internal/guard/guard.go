package guard

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"sakaledger/internal/model"
	"sakaledger/internal/telemetry"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ============================================================================
// Mutation Guard
// ============================================================================
//
// 受保护的列（钱包余额、累计值、Silo 余额）只允许走一条路径变更：
//
//	WithMutationAllowed -> 事务内 SELECT ... FOR UPDATE -> 内存修改 -> Save 单行 -> 创建流水
//
// 拦截规则：
//   - 新建行总是放行，初始化不算变更；但带 ON CONFLICT 更新或 REPLACE 的插入一律拒绝，
//     不经过模型类型（Table + map）的插入也拒绝
//   - Save 单行且受保护列有变化：必须持有有效 Permit
//   - Update/Updates/UpdateColumn 等按条件批量更新受保护列：一律拒绝，即使持有 Permit
//   - 原生 SQL（Exec / Raw().Rows / Raw().Scan / Raw().Find）写账本表：一律拒绝，
//     唯一例外是不涉及受保护列的钱包 / Silo UPDATE
//   - 删除钱包 / Silo，修改或删除流水与堆肥日志：一律拒绝
//
// ============================================================================

var ErrIntegrityViolation = errors.New("saka integrity violation")

// ViolationError 被拒绝的写入：表、操作与涉及的列
type ViolationError struct {
	Table     string
	Operation string
	Fields    []string
	Detail    string
}

func (e *ViolationError) Error() string {
	msg := fmt.Sprintf("%v: %s on %s", ErrIntegrityViolation, e.Operation, e.Table)
	if len(e.Fields) > 0 {
		msg += " touching [" + strings.Join(e.Fields, ", ") + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return ErrIntegrityViolation }

const (
	OpSave       = "save"
	OpBulkUpdate = "bulk_update"
	OpRaw        = "raw"
	OpDelete     = "delete"
	OpUpdate     = "update"
	OpCreate     = "create"
	OpUpsert     = "upsert"
)

type tableRule struct {
	protected []string
	immutable bool // no update, no delete
	noDelete  bool
}

// Guard gorm 插件，通过 db.Use(guard.New()) 注册
type Guard struct {
	tables   map[string]tableRule
	rawTable *regexp.Regexp
	columnRe map[string]*regexp.Regexp
	now      func() time.Time
	log      *logrus.Entry

	mu        sync.RWMutex
	observers []Observer
}

func New() *Guard {
	g := &Guard{
		tables: map[string]tableRule{
			model.WalletTable:      {protected: model.WalletProtectedColumns, noDelete: true},
			model.SiloTable:        {protected: model.SiloProtectedColumns, noDelete: true},
			model.TransactionTable: {immutable: true},
			model.CompostLogTable:  {immutable: true},
		},
		rawTable: regexp.MustCompile(`(?i)\b(` + strings.Join([]string{
			model.WalletTable, model.SiloTable, model.TransactionTable, model.CompostLogTable,
		}, "|") + `)\b`),
		now: func() time.Time { return time.Now().UTC() },
		log: logrus.WithField("component", "mutation_guard"),
	}
	g.columnRe = map[string]*regexp.Regexp{}
	for _, rule := range g.tables {
		for _, col := range rule.protected {
			g.columnRe[col] = regexp.MustCompile(`(?i)\b` + col + `\b`)
		}
	}
	return g
}

func (g *Guard) Name() string { return "saka:mutation_guard" }

// Subscribe 订阅受保护列的写入事件
func (g *Guard) Subscribe(o Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

func (g *Guard) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Update().After("gorm:begin_transaction").Before("gorm:before_update").
		Register("saka:guard_update", g.checkUpdate); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:after_update").Register("saka:guard_record_update", g.recordUpdate); err != nil {
		return err
	}
	if err := cb.Create().Before("gorm:create").Register("saka:guard_create", g.checkCreate); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:after_create").Register("saka:guard_record_create", g.recordCreate); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:commit_or_rollback_transaction").Register("saka:guard_publish_create", g.publishCreate); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:before_delete").Register("saka:guard_delete", g.checkDelete); err != nil {
		return err
	}
	// Raw().Rows()/Scan() 走 Row 回调，Raw().Find() 走 Query 回调
	if err := cb.Query().Before("gorm:query").Register("saka:guard_raw_query", g.checkRaw); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("saka:guard_raw_row", g.checkRaw); err != nil {
		return err
	}
	return cb.Raw().Before("gorm:raw").Register("saka:guard_raw", g.checkRaw)
}

// WithMutationAllowed 在带有效 Permit 的 ctx 中执行 fn，fn 返回或 panic 后 Permit 失效
//
// fn 成功时，作用域内的每次 Save 依次通知观察者，最后通知 ScopeSettled。
// fn 应自己开启并提交事务，这样通知发生在提交之后。嵌套调用复用外层 Permit。
func (g *Guard) WithMutationAllowed(ctx context.Context, purpose string, fn func(ctx context.Context) error) error {
	if PermitFrom(ctx).Active() {
		return fn(ctx)
	}
	p := newPermit(purpose)
	defer p.release()

	if err := fn(context.WithValue(ctx, permitKey{}, p)); err != nil {
		return err
	}
	p.release()
	g.settle(ctx, p.settlement())
	return nil
}

func (g *Guard) settle(ctx context.Context, s Settlement) {
	observers := g.snapshotObservers()
	for _, o := range observers {
		for _, ev := range s.Saves {
			o.WalletSaved(ctx, ev)
		}
		o.ScopeSettled(ctx, s)
	}
}

func (g *Guard) snapshotObservers() []Observer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Observer(nil), g.observers...)
}

func (g *Guard) reject(db *gorm.DB, v *ViolationError) {
	telemetry.RecordGuardRejection(v.Table, v.Operation)
	g.log.WithFields(logrus.Fields{
		"table":     v.Table,
		"operation": v.Operation,
		"fields":    v.Fields,
	}).Error("protected write rejected")
	_ = db.AddError(v)
}

// ============================================================================
// Update
// ============================================================================

const (
	pendingKey        = "saka:guard_pending"
	pendingCreatesKey = "saka:guard_pending_creates"
)

type pendingSave struct {
	event SaveEvent
}

func (g *Guard) checkUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	table := statementTable(db)
	rule, ok := g.tables[table]
	if !ok {
		return
	}
	if rule.immutable {
		g.reject(db, &ViolationError{Table: table, Operation: OpUpdate, Detail: "ledger rows are append-only"})
		return
	}

	var (
		id     int64
		single bool
	)
	if db.Statement.Schema != nil {
		id, single = singleRowSave(db)
	}
	if !single {
		if cols := touchedColumns(db, rule.protected); len(cols) > 0 {
			g.reject(db, &ViolationError{
				Table:     table,
				Operation: OpBulkUpdate,
				Fields:    cols,
				Detail:    "load the row, mutate it in memory and Save it",
			})
		}
		return
	}

	oldValues, userID, err := g.loadCurrent(db, table, id)
	if err != nil {
		_ = db.AddError(fmt.Errorf("mutation guard: load current row: %w", err))
		return
	}
	newValues, newUserID := protectedValues(db.Statement.ReflectValue)
	if userID == 0 {
		userID = newUserID
	}

	ev := SaveEvent{Table: table, RowID: id, UserID: userID, Old: oldValues, New: newValues, At: g.now()}
	changed := ev.Changed()
	if len(changed) == 0 {
		return
	}

	permit := PermitFrom(db.Statement.Context)
	if !permit.Active() {
		g.reject(db, &ViolationError{
			Table:     table,
			Operation: OpSave,
			Fields:    changed,
			Detail:    "protected fields changed outside WithMutationAllowed",
		})
		return
	}
	ev.PermitID = permit.ID()
	ev.Purpose = permit.Purpose()
	db.InstanceSet(pendingKey, pendingSave{event: ev})
}

func (g *Guard) recordUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	v, ok := db.InstanceGet(pendingKey)
	if !ok {
		return
	}
	pending := v.(pendingSave)
	if permit := PermitFrom(db.Statement.Context); permit.Active() {
		permit.recordSave(pending.event)
	}
}

// singleRowSave 是否为带主键的单行 db.Save(&row)（或等价的 Model(&row).Updates(&row)）
func singleRowSave(db *gorm.DB) (int64, bool) {
	stmt := db.Statement
	if stmt.Dest == nil || stmt.Model == nil {
		return 0, false
	}
	if reflect.ValueOf(stmt.Dest).Kind() != reflect.Ptr || stmt.Dest != stmt.Model {
		return 0, false
	}
	rv := stmt.ReflectValue
	if rv.Kind() != reflect.Struct || stmt.Schema.PrioritizedPrimaryField == nil {
		return 0, false
	}
	pk, isZero := stmt.Schema.PrioritizedPrimaryField.ValueOf(stmt.Context, rv)
	if isZero {
		return 0, false
	}
	id, ok := toInt64(pk)
	return id, ok
}

// touchedColumns 非 Save 更新会写到的受保护列
func touchedColumns(db *gorm.DB, protected []string) []string {
	stmt := db.Statement
	if stmt.Schema == nil {
		// Table("...") + map：按列名匹配，其余形态按最坏情况处理
		dest, ok := stmt.Dest.(map[string]interface{})
		if !ok {
			return sortStrings(append([]string(nil), protected...))
		}
		var touched []string
		for k := range dest {
			if name := strings.ToLower(k); contains(protected, name) {
				touched = append(touched, name)
			}
		}
		return sortStrings(touched)
	}
	selected := map[string]bool{}
	for _, s := range stmt.Selects {
		if s == "*" {
			selected["*"] = true
			continue
		}
		if f := stmt.Schema.LookUpField(s); f != nil {
			selected[f.DBName] = true
		}
	}

	var touched []string
	mark := func(col string) {
		for _, t := range touched {
			if t == col {
				return
			}
		}
		touched = append(touched, col)
	}

	switch dest := stmt.Dest.(type) {
	case map[string]interface{}:
		for k := range dest {
			name := k
			if f := stmt.Schema.LookUpField(k); f != nil {
				name = f.DBName
			}
			if contains(protected, name) {
				mark(name)
			}
		}
	default:
		rv := reflect.Indirect(reflect.ValueOf(stmt.Dest))
		if rv.Kind() != reflect.Struct {
			// 切片或其他形态：按最坏情况处理
			for _, col := range protected {
				mark(col)
			}
			break
		}
		for _, col := range protected {
			f := stmt.Schema.LookUpField(col)
			if f == nil {
				continue
			}
			_, isZero := f.ValueOf(stmt.Context, rv)
			if !isZero || selected["*"] || selected[col] {
				mark(col)
			}
		}
	}
	return sortStrings(touched)
}

func (g *Guard) loadCurrent(db *gorm.DB, table string, id int64) (map[string]int64, int64, error) {
	tx := db.Session(&gorm.Session{NewDB: true, SkipHooks: true})
	switch table {
	case model.WalletTable:
		var w model.SakaWallet
		err := tx.Where("id = ?", id).Take(&w).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (&model.SakaWallet{}).Protected(), 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return w.Protected(), w.UserID, nil
	case model.SiloTable:
		var s model.Silo
		err := tx.Where("id = ?", id).Take(&s).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return (&model.Silo{}).Protected(), 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return s.Protected(), 0, nil
	}
	return map[string]int64{}, 0, nil
}

func protectedValues(rv reflect.Value) (map[string]int64, int64) {
	if !rv.CanAddr() {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		rv = ptr.Elem()
	}
	switch row := rv.Addr().Interface().(type) {
	case *model.SakaWallet:
		return row.Protected(), row.UserID
	case *model.Silo:
		return row.Protected(), 0
	}
	return map[string]int64{}, 0
}

// ============================================================================
// Create
// ============================================================================

// checkCreate 插入只能新增行：会覆盖已有行的 upsert / REPLACE 一律拒绝
func (g *Guard) checkCreate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	table := statementTable(db)
	rule, ok := g.tables[table]
	if !ok {
		return
	}
	if db.Statement.Schema == nil {
		g.reject(db, &ViolationError{Table: table, Operation: OpCreate, Detail: "create ledger rows through their model type"})
		return
	}
	if c, ok := db.Statement.Clauses["ON CONFLICT"]; ok {
		if oc, ok := c.Expression.(clause.OnConflict); !ok || !oc.DoNothing {
			g.reject(db, &ViolationError{
				Table:     table,
				Operation: OpUpsert,
				Fields:    sortStrings(append([]string(nil), rule.protected...)),
				Detail:    "insert would overwrite an existing row; only ON CONFLICT DO NOTHING is allowed",
			})
			return
		}
	}
	if c, ok := db.Statement.Clauses["INSERT"]; ok {
		if ins, ok := c.Expression.(clause.Insert); ok && strings.Contains(strings.ToUpper(ins.Modifier), "REPLACE") {
			g.reject(db, &ViolationError{Table: table, Operation: OpUpsert, Detail: "INSERT " + ins.Modifier + " replaces existing rows"})
		}
	}
}

func (g *Guard) recordCreate(db *gorm.DB) {
	if db.Error != nil || db.Statement.Schema == nil || db.RowsAffected == 0 {
		return
	}
	table := db.Statement.Schema.Table
	permit := PermitFrom(db.Statement.Context)
	var unscoped []SaveEvent

	eachRow(db.Statement.ReflectValue, func(rv reflect.Value) {
		switch table {
		case model.TransactionTable:
			t, ok := rv.Addr().Interface().(*model.SakaTransaction)
			if ok && permit.Active() {
				permit.recordEntry(Entry{
					UserID:          t.UserID,
					TransactionNo:   t.TransactionNo,
					TransactionType: t.TransactionType,
					Signed:          t.Signed(),
				})
			}
		case model.WalletTable, model.SiloTable:
			newValues, userID := protectedValues(rv)
			ev := SaveEvent{
				Table:   table,
				UserID:  userID,
				Old:     zeroed(newValues),
				New:     newValues,
				Created: true,
				At:      g.now(),
			}
			if pk := db.Statement.Schema.PrioritizedPrimaryField; pk != nil {
				if v, isZero := pk.ValueOf(db.Statement.Context, rv); !isZero {
					ev.RowID, _ = toInt64(v)
				}
			}
			if len(ev.Changed()) == 0 {
				return
			}
			if permit.Active() {
				ev.PermitID = permit.ID()
				ev.Purpose = permit.Purpose()
				permit.recordSave(ev)
				return
			}
			// 作用域外带非零余额的初始化放行，但要交给观察者
			unscoped = append(unscoped, ev)
		}
	})
	if len(unscoped) > 0 {
		db.InstanceSet(pendingCreatesKey, unscoped)
	}
}

// publishCreate 在插入语句自身的事务提交之后执行
func (g *Guard) publishCreate(db *gorm.DB) {
	v, ok := db.InstanceGet(pendingCreatesKey)
	if !ok || db.Error != nil {
		return
	}
	for _, ev := range v.([]SaveEvent) {
		for _, o := range g.snapshotObservers() {
			o.WalletSaved(db.Statement.Context, ev)
		}
	}
}

func eachRow(rv reflect.Value, fn func(reflect.Value)) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() == reflect.Struct && elem.CanAddr() {
				fn(elem)
			}
		}
	case reflect.Struct:
		if rv.CanAddr() {
			fn(rv)
		}
	}
}

// ============================================================================
// Delete / Raw
// ============================================================================

func (g *Guard) checkDelete(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	table := statementTable(db)
	rule, ok := g.tables[table]
	if !ok || !(rule.immutable || rule.noDelete) {
		return
	}
	g.reject(db, &ViolationError{Table: table, Operation: OpDelete, Detail: "ledger rows are never deleted"})
}

var (
	rawLockingRead = regexp.MustCompile(`(?i)\bfor\s+(update|share)\b|\block\s+in\s+share\s+mode\b`)
	rawWriteVerb   = regexp.MustCompile(`(?i)\b(insert|update|delete|replace|merge|upsert|truncate)\b`)
)

// checkRaw 原生 SQL 只要是写语句并且出现了账本表名（带 schema 前缀、引号、子查询都算），
// 除了不涉及受保护列的钱包 / Silo UPDATE 以外全部拒绝
func (g *Guard) checkRaw(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	sql := db.Statement.SQL.String()
	if sql == "" {
		return
	}
	stripped := rawLockingRead.ReplaceAllString(sql, " ")
	verbs := map[string]bool{}
	for _, v := range rawWriteVerb.FindAllString(stripped, -1) {
		verbs[strings.ToLower(v)] = true
	}
	if len(verbs) == 0 {
		return
	}
	for _, m := range g.rawTable.FindAllStringSubmatch(stripped, -1) {
		table := strings.ToLower(m[1])
		rule := g.tables[table]
		if rule.immutable || len(verbs) > 1 || !verbs["update"] {
			g.reject(db, &ViolationError{Table: table, Operation: OpRaw, Detail: "raw write on a ledger table"})
			return
		}
		var cols []string
		for _, col := range rule.protected {
			if g.columnRe[col].MatchString(stripped) {
				cols = append(cols, col)
			}
		}
		if len(cols) > 0 {
			g.reject(db, &ViolationError{Table: table, Operation: OpRaw, Fields: sortStrings(cols), Detail: "raw update of protected fields"})
			return
		}
	}
}

// ============================================================================
// helpers
// ============================================================================

// statementTable 语句作用的表名，去掉 schema 前缀、引号和别名
func statementTable(db *gorm.DB) string {
	if db.Statement.Schema != nil {
		return db.Statement.Schema.Table
	}
	name := strings.ToLower(strings.TrimSpace(db.Statement.Table))
	if i := strings.IndexAny(name, " \t"); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.Trim(name, "`\"[]")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortStrings(s []string) []string {
	sort.Strings(s)
	return s
}

func zeroed(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k := range m {
		out[k] = 0
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
