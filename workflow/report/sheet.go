package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// sections is the fixed order of the report's category blocks.
var sections = []string{
	"精度测试结果",
	"模型识别率测试分析",
	"性能测试分析",
	"兼容性测试分析",
	"规范测试分析",
}

var columnHeaders = []string{"测试类别", "测试子项", "测试标准", "测试结果", "备注"}

// writeSpreadsheet renders the report: a basic-info block, then one
// section per category with a five-column row for each case in it.
func writeSpreadsheet(path string, basics BasicInfo, task store.Task, cases []store.TestCase, rows map[string]llm.ReportRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	line := 1
	set := func(values ...any) {
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, line)
			f.SetCellValue(sheet, cell, v)
		}
		line++
	}

	set("算法测试报告")
	set("测试需求", task.RequirementDoc)
	set("SDK版本", basics.SDKVersion)
	set("算法镜像", task.AlgorithmImage)
	set("数据集", task.DatasetURL)
	set("测试人员", basics.Operator)
	line++

	set(toAny(columnHeaders)...)
	for _, section := range sections {
		set(section)
		for _, c := range cases {
			row, ok := rows[c.CaseID]
			if !ok || row.Category != section {
				continue
			}
			set(row.Category, row.SubCategory, row.Standard, row.Result, row.Note)
		}
	}

	f.SetColWidth(sheet, "A", "E", 28)
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report %s: %w", path, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
