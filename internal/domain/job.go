package domain

import (
	"time"
)

// JobState 流水线状态
type JobState string

const (
	JobStateQueued        JobState = "QUEUED"
	JobStateSelectBackend JobState = "SELECT_BACKEND"
	JobStateDecompiling   JobState = "DECOMPILING"
	JobStateAnalyzing     JobState = "ANALYZING"
	JobStatePatching      JobState = "PATCHING"
	JobStateRecompiling   JobState = "RECOMPILING"
	JobStateSigning       JobState = "SIGNING"
	JobStateDone          JobState = "DONE"
	JobStateFailed        JobState = "FAILED"
)

// IsTerminal 是否为终止状态
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// Operation 任务类型
type Operation string

const (
	OperationPurify Operation = "purify" // 反编译 + 净化 + 回编译 + 签名
	OperationScan   Operation = "scan"   // 只读分析
)

// RequiresRecompile 该操作是否需要回编译
func (o Operation) RequiresRecompile() bool {
	return o == OperationPurify
}

// FailureKind 失败原因分类
type FailureKind string

const (
	FailureKindNone            FailureKind = ""
	FailureKindToolUnavailable FailureKind = "tool_unavailable" // 没有可用后端
	FailureKindTimeout         FailureKind = "timeout"          // 外部进程超时
	FailureKindProcess         FailureKind = "process_failure"  // 外部进程拒绝输入
	FailureKindInvalidInput    FailureKind = "invalid_input"    // 源 APK 不合法
	FailureKindPatch           FailureKind = "patch_error"      // 净化过程出错，已回滚
	FailureKindReconcile       FailureKind = "reconcile_failure"
	FailureKindRecompile       FailureKind = "recompile_error"
	FailureKindSign            FailureKind = "sign_error"
	FailureKindCancelled       FailureKind = "cancelled"
	FailureKindInternal        FailureKind = "internal_error"
)

// GetDisplayName 获取失败类型的中文显示名称
func (fk FailureKind) GetDisplayName() string {
	switch fk {
	case FailureKindNone:
		return ""
	case FailureKindToolUnavailable:
		return "工具不可用"
	case FailureKindTimeout:
		return "执行超时"
	case FailureKindProcess:
		return "工具执行失败"
	case FailureKindInvalidInput:
		return "APK 无效"
	case FailureKindPatch:
		return "净化失败"
	case FailureKindReconcile:
		return "资源表修复失败"
	case FailureKindRecompile:
		return "回编译失败"
	case FailureKindSign:
		return "签名失败"
	case FailureKindCancelled:
		return "已取消"
	default:
		return "未知错误"
	}
}

// CanRetry 检查失败类型是否值得重新提交
// 超时和工具缺失属于环境问题，重试可能成功
func (fk FailureKind) CanRetry() bool {
	switch fk {
	case FailureKindTimeout, FailureKindToolUnavailable, FailureKindCancelled:
		return true
	default:
		return false
	}
}

// Job 一个 APK 的处理任务
type Job struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Operation    Operation   `gorm:"type:varchar(20);not null;default:'purify'" json:"operation"`
	SourcePath   string      `gorm:"type:varchar(1024);not null" json:"source_path"`
	OutputPath   string      `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	WorkDir      string      `gorm:"type:varchar(1024)" json:"work_dir,omitempty"`
	Force        bool        `gorm:"default:false" json:"force"` // 允许覆盖已存在的输出
	PackageName  string      `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	State        JobState    `gorm:"type:varchar(20);not null;default:'QUEUED';index:idx_state" json:"state"`
	FailedStage  JobState    `gorm:"type:varchar(20);default:''" json:"failed_stage,omitempty"`
	FailureKind  FailureKind `gorm:"type:varchar(30);default:''" json:"failure_kind,omitempty"`
	Reason       string      `gorm:"type:text" json:"reason,omitempty"`
	Backend      string      `gorm:"type:varchar(50)" json:"backend,omitempty"`
	FallbackUsed bool        `gorm:"default:false" json:"fallback_used"`
	ArtifactPath string      `gorm:"type:varchar(1024)" json:"artifact_path,omitempty"`
	BackupPath   string      `gorm:"type:varchar(1024)" json:"backup_path,omitempty"` // 保留的原始 APK 副本

	Applied      int `gorm:"default:0" json:"applied"`       // 实际生效的变换数
	Skipped      int `gorm:"default:0" json:"skipped"`       // 因歧义跳过的候选数
	FindingCount int `gorm:"default:0" json:"finding_count"` // 扫描发现数

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Findings []JobFinding `gorm:"foreignKey:JobID;references:ID" json:"findings,omitempty"`
}

func (Job) TableName() string {
	return "purify_jobs"
}

// JobFinding 扫描发现（含因歧义跳过的删除候选）
type JobFinding struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:varchar(36);index:idx_job_id;not null" json:"job_id"`
	Category  string    `gorm:"type:varchar(50);not null" json:"category"`
	Location  string    `gorm:"type:varchar(1024)" json:"location"`
	Offset    int64     `json:"offset"`
	Pattern   string    `gorm:"type:varchar(512)" json:"pattern"`
	Severity  string    `gorm:"type:varchar(20)" json:"severity"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (JobFinding) TableName() string {
	return "job_findings"
}
