package model

// DataType is the declared type of a Variable's value (spec §3).
type DataType string

const (
	TypeBool    DataType = "bool"
	TypeInt     DataType = "int"
	TypeFloat   DataType = "float"
	TypeString  DataType = "string"
	TypeObject  DataType = "object"
)

// HistoryOptions controls whether and how a variable is fed to the
// historian (spec §3's Variable descriptor).
type HistoryOptions struct {
	Enabled bool
	// HistorianID names a configured historian DB for this variable. No
	// code reads it: history is routed per object to the worker named by
	// the owning module's Config["historianID"] entry (spec §4.4).
	HistorianID string
}

// Variable is the descriptor set at module init (spec §3). Changing it
// triggers a store re-sync (spec §4.2's Sync).
type Variable struct {
	Ref          VariableRef
	DataType     DataType
	Dimension    int // 0/1 = scalar, >1 = array length
	DefaultValue any
	History      HistoryOptions
}

// ObjectInfo is the descriptor for a configured object: its identity, type,
// and the variables it declares. Modules hand these to the supervisor at
// init and whenever their configuration changes (spec §4.2's Sync input).
type ObjectInfo struct {
	Ref        ObjectRef
	Name       string
	ObjectType string
	ParentRef  *ObjectRef
	Variables  []Variable
}
