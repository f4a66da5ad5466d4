package auth

// Operation names understood by the facility back end.
const (
	OpFacilityInfo = "facility.info"

	OpWhoAmI                = "auth.whoami"
	OpRevokeSubjectSessions = "auth.sessions.revoke_subject"

	OpStudentList   = "student.list"
	OpStudentGet    = "student.get"
	OpStudentSearch = "student.search"
	OpStudentCreate = "student.create"
	OpStudentUpdate = "student.update"
	OpStudentDelete = "student.delete"

	OpRoomList         = "room.list"
	OpRoomGet          = "room.get"
	OpRoomAvailability = "room.availability"
	OpRoomCreate       = "room.create"
	OpRoomUpdate       = "room.update"
	OpRoomDelete       = "room.delete"
	OpRoomAssign       = "room.assign"
	OpRoomVacate       = "room.vacate"
	OpRoomTransfer     = "room.transfer"

	OpAttendanceMark    = "attendance.mark"
	OpAttendanceList    = "attendance.list"
	OpAttendanceHistory = "attendance.student_history"
	OpAttendanceCorrect = "attendance.correct"

	OpComplaintCreate       = "complaint.create"
	OpComplaintList         = "complaint.list"
	OpComplaintGet          = "complaint.get"
	OpComplaintComment      = "complaint.comment"
	OpComplaintUpdateStatus = "complaint.update_status"
	OpComplaintAssign       = "complaint.assign"
	OpComplaintClose        = "complaint.close"

	OpVisitorCheckIn  = "visitor.checkin"
	OpVisitorCheckOut = "visitor.checkout"
	OpVisitorList     = "visitor.list"

	OpLeaveRequest = "leave.request"
	OpLeaveList    = "leave.list"
	OpLeaveApprove = "leave.approve"
	OpLeaveReject  = "leave.reject"

	OpStaffList       = "staff.list"
	OpStaffCreate     = "staff.create"
	OpStaffUpdate     = "staff.update"
	OpStaffDeactivate = "staff.deactivate"

	OpNoticeList    = "notice.list"
	OpNoticePublish = "notice.publish"

	OpReportOccupancy  = "report.occupancy"
	OpReportAttendance = "report.attendance"
	OpReportComplaints = "report.complaints"
	OpReportExport     = "report.export"
)

var (
	staffRoles      = []Role{RoleManager, RoleSupervisor}
	supervisorRoles = []Role{RoleSupervisor}
)

// BuiltinRules is the facility policy table: day-to-day work is open to managers
// and supervisors, structural changes, approvals and reports to supervisors only.
func BuiltinRules() map[string]Rule {
	rules := map[string]Rule{
		OpFacilityInfo: PublicRule(),
	}
	for _, op := range []string{
		OpWhoAmI,
		OpStudentList, OpStudentGet, OpStudentSearch,
		OpRoomList, OpRoomGet, OpRoomAvailability,
		OpAttendanceMark, OpAttendanceList, OpAttendanceHistory,
		OpComplaintCreate, OpComplaintList, OpComplaintGet, OpComplaintComment,
		OpVisitorCheckIn, OpVisitorCheckOut, OpVisitorList,
		OpLeaveRequest, OpLeaveList,
		OpNoticeList,
	} {
		rules[op] = RolesRule(staffRoles...)
	}
	for _, op := range []string{
		OpRevokeSubjectSessions,
		OpStudentCreate, OpStudentUpdate, OpStudentDelete,
		OpRoomCreate, OpRoomUpdate, OpRoomDelete, OpRoomAssign, OpRoomVacate, OpRoomTransfer,
		OpAttendanceCorrect,
		OpComplaintUpdateStatus, OpComplaintAssign, OpComplaintClose,
		OpLeaveApprove, OpLeaveReject,
		OpStaffList, OpStaffCreate, OpStaffUpdate, OpStaffDeactivate,
		OpNoticePublish,
		OpReportOccupancy, OpReportAttendance, OpReportComplaints, OpReportExport,
	} {
		rules[op] = RolesRule(supervisorRoles...)
	}
	return rules
}

// BuiltinPolicy returns BuiltinRules as a Policy.
func BuiltinPolicy() *Policy {
	p, err := NewPolicy(BuiltinRules())
	if err != nil {
		panic(err)
	}
	return p
}
