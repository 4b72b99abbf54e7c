// Package schema defines the incident record, the workflow state graph
// vocabulary and the message envelope exchanged with collaborators.
package schema

// WorkflowState is the status of an incident in the workflow graph.
type WorkflowState string

const (
	StateInitialized           WorkflowState = "INITIALIZED"
	StateDetectionReceived     WorkflowState = "DETECTION_RECEIVED"
	StateAnalysisRequested     WorkflowState = "ANALYSIS_REQUESTED"
	StateAnalysisInProgress    WorkflowState = "ANALYSIS_IN_PROGRESS"
	StateAnalysisComplete      WorkflowState = "ANALYSIS_COMPLETE"
	StateRemediationRequested  WorkflowState = "REMEDIATION_REQUESTED"
	StateRemediationProposed   WorkflowState = "REMEDIATION_PROPOSED"
	StateApprovalPending       WorkflowState = "APPROVAL_PENDING"
	StateRemediationApproved   WorkflowState = "REMEDIATION_APPROVED"
	StateRemediationInProgress WorkflowState = "REMEDIATION_IN_PROGRESS"
	StateRemediationComplete   WorkflowState = "REMEDIATION_COMPLETE"
	StateIncidentResolved      WorkflowState = "INCIDENT_RESOLVED"
	StateIncidentClosed        WorkflowState = "INCIDENT_CLOSED"
	StateWorkflowTimeout       WorkflowState = "WORKFLOW_TIMEOUT"
	StateWorkflowFailed        WorkflowState = "WORKFLOW_FAILED"
)

// AllStates returns every workflow state in graph order.
func AllStates() []WorkflowState {
	return []WorkflowState{
		StateInitialized,
		StateDetectionReceived,
		StateAnalysisRequested,
		StateAnalysisInProgress,
		StateAnalysisComplete,
		StateRemediationRequested,
		StateRemediationProposed,
		StateApprovalPending,
		StateRemediationApproved,
		StateRemediationInProgress,
		StateRemediationComplete,
		StateIncidentResolved,
		StateIncidentClosed,
		StateWorkflowTimeout,
		StateWorkflowFailed,
	}
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	for _, st := range AllStates() {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the engine stops processing in this state.
func (s WorkflowState) IsTerminal() bool {
	return s == StateIncidentClosed || s.IsFailure()
}

// IsFailure reports whether s is a terminal state that needs an operator reset.
func (s WorkflowState) IsFailure() bool {
	return s == StateWorkflowTimeout || s == StateWorkflowFailed
}

// Stage is a named phase of the workflow graph.
type Stage string

const (
	StageDetection     Stage = "detection"
	StageAnalysis      Stage = "analysis"
	StageRemediation   Stage = "remediation"
	StageApproval      Stage = "approval"
	StageCommunication Stage = "communication"
	StageNone          Stage = ""
)

// StageOf maps a workflow state to the stage it belongs to.
func StageOf(s WorkflowState) Stage {
	switch s {
	case StateInitialized, StateDetectionReceived:
		return StageDetection
	case StateAnalysisRequested, StateAnalysisInProgress, StateAnalysisComplete:
		return StageAnalysis
	case StateRemediationRequested, StateRemediationProposed,
		StateRemediationApproved, StateRemediationInProgress, StateRemediationComplete:
		return StageRemediation
	case StateApprovalPending:
		return StageApproval
	case StateIncidentResolved, StateIncidentClosed:
		return StageCommunication
	default:
		return StageNone
	}
}

// Severity is the incident severity.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities from low (1) to critical (4). Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}
