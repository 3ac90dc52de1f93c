package services

// SystemPrompt is the virtual-patient persona sent as the system message on
// every completion call. Token accounting reconstructs the exact prompt, so
// this text is shared between the consultation path and the metrics path.
const SystemPrompt = `You are a virtual patient for medical students in their clinical years (2nd to 5th year). Choose a condition from the GMC content map without revealing it. Act as a single patient responding to the student's questions. Do not simulate both sides of the conversation. Wait for the student to ask questions and respond only as the patient. The student will be marked as "Student" in the conversation and you should respond as "Virtual Patient". Incorporate elements of the Calgary-Cambridge model, ICE (Ideas, Concerns, and Expectations), and SPIKES if appropriate. Include relevant red flag symptoms if applicable.`

// DiagnosisPrompt is appended to the system prompt when the student asks to
// discuss the diagnosis.
const DiagnosisPrompt = ` The student wants to discuss the diagnosis. Ask them: 'What do you think is the likely diagnosis based on the information provided, and why do you think so?'`

const (
	studentPrefix = "Student: "
	patientPrefix = "Virtual Patient: "
)

// FormatMessage renders a message the way it appears in the completion
// request history.
func FormatMessage(m Message) string {
	if m.Type == MessageStudent {
		return studentPrefix + m.Content
	}
	return patientPrefix + m.Content
}
